package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"
)

func TestParseJID(t *testing.T) {
	jid, ok := parseJID("5215550001234")
	require.True(t, ok)
	assert.Equal(t, "5215550001234", jid.User)
	assert.Equal(t, types.DefaultUserServer, jid.Server)

	jid, ok = parseJID("+5215550001234")
	require.True(t, ok)
	assert.Equal(t, "5215550001234", jid.User)

	jid, ok = parseJID("5215550001234:1@s.whatsapp.net")
	require.True(t, ok)
	assert.Equal(t, "5215550001234", jid.User)
	assert.Equal(t, uint16(1), jid.Device)

	_, ok = parseJID("")
	assert.False(t, ok)

	_, ok = parseJID("@s.whatsapp.net")
	assert.False(t, ok)
}

func TestStoredCredsRoundTrip(t *testing.T) {
	rec := CredentialRecord{
		ClientID: defaultClientID,
		Key:      credentialRecordKey,
		Payload:  []byte(`{"jid":"5215550001234:1@s.whatsapp.net","pushName":"Zap","platform":"smba"}`),
	}
	var sc storedCreds
	require.NoError(t, json.Unmarshal(rec.Payload, &sc))
	assert.Equal(t, "Zap", sc.PushName)

	jid, ok := parseJID(sc.JID)
	require.True(t, ok, "a stored record must always resolve back to a device identity")
	assert.Equal(t, "5215550001234", jid.User)
}

func TestSessionEventKindStrings(t *testing.T) {
	assert.Equal(t, "challenge", EventChallenge.String())
	assert.Equal(t, "authenticated", EventAuthenticated.String())
	assert.Equal(t, "ready", EventReady.String())
	assert.Equal(t, "authFailure", EventAuthFailure.String())
	assert.Equal(t, "disconnected", EventDisconnected.String())
}

func TestLaunchModeStrings(t *testing.T) {
	assert.Equal(t, "resume", LaunchResume.String())
	assert.Equal(t, "fresh", LaunchFresh.String())
}
