package main

import "time"

const version = "1.2.0"

// Identity under which the session credentials are kept. Chosen once; the
// store records become orphaned if it ever changes between restarts.
const defaultClientID = "render-stable-client"

const (
	// record_key of the primary credential document in the namespace
	credentialRecordKey = "creds"
	// record_key of the auxiliary device-identity document
	devicePropsRecordKey = "device-props"

	// the single well-known backup slot; overwritten, never appended
	snapshotSlot = "primary-backup"
)

const (
	defaultBackoffBase     = 2 * time.Second
	defaultBackoffCap      = 30 * time.Second
	defaultMaxAttempts     = 6
	defaultRecheckInterval = 30 * time.Second
	defaultSettleDelay     = 12 * time.Second
	defaultPersistInterval = 5 * time.Minute

	keepaliveInterval = 4 * time.Minute

	shutdownBudget = 15 * time.Second
)

const sessionEventQueue = "zapgate_session_events"
