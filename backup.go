package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// snapshotter keeps a denormalized copy of the credential namespace in the
// store's backup slot plus an in-process copy, so the controller can still
// recover when the primary records are lost or not yet written. Losing a
// backup write must never take down a live session, so every error here is
// reported to the caller but safe to swallow.
type snapshotter struct {
	store    CredentialStore
	clientID string
	local    *cache.Cache
	archiver *snapshotArchiver
}

func newSnapshotter(store CredentialStore, clientID string, archiver *snapshotArchiver) *snapshotter {
	return &snapshotter{
		store:    store,
		clientID: clientID,
		local:    cache.New(cache.NoExpiration, cache.NoExpiration),
		archiver: archiver,
	}
}

// backup reads every record in the namespace and overwrites the backup
// slot with one denormalized document.
func (b *snapshotter) backup(ctx context.Context) error {
	recs, err := b.store.ListNamespace(ctx, b.clientID)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		log.Debug().Str("clientId", b.clientID).Msg("Nothing to back up")
		return nil
	}
	snap := &Snapshot{Slot: snapshotSlot, Records: recs, SavedAt: time.Now().UTC()}
	b.local.Set(snapshotSlot, snap, cache.NoExpiration)
	if err := b.store.WriteSnapshot(ctx, snap); err != nil {
		return err
	}
	log.Info().Int("records", len(recs)).Msg("Snapshot written to backup slot")
	if b.archiver != nil {
		doc, merr := json.Marshal(snap)
		if merr == nil {
			if aerr := b.archiver.Archive(ctx, b.clientID, doc); aerr != nil {
				log.Warn().Err(aerr).Msg("Snapshot archive upload failed")
			}
		}
	}
	return nil
}

// restore copies the backup slot's documents back into the primary
// namespace. It is only called when the presence check found nothing, and
// upserts by original identity so running it twice changes nothing. The
// in-process copy is a fallback for a lost or unreadable slot.
func (b *snapshotter) restore(ctx context.Context) (bool, error) {
	snap, err := b.store.ReadSnapshot(ctx, snapshotSlot)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read backup slot, trying in-process copy")
		snap = nil
	}
	if snap == nil || len(snap.Records) == 0 {
		if cached, found := b.local.Get(snapshotSlot); found {
			snap = cached.(*Snapshot)
		}
	}
	if snap == nil || len(snap.Records) == 0 {
		return false, nil
	}
	if err := b.store.PutCredentials(ctx, snap.Records); err != nil {
		return false, err
	}
	log.Info().Int("records", len(snap.Records)).Time("savedAt", snap.SavedAt).Msg("Restored credentials from snapshot")
	return true, nil
}
