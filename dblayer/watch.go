package dblayer

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
)

// SettingsChange signals that a patient's settings document was added,
// modified, or removed.  Removed is reported so the consumer can drop any
// in-memory state for the patient.
type SettingsChange struct {
	PatientID string
	Removed   bool
}

// WatchPatientSettings streams settings-collection changes onto the returned
// channel until ctx is canceled.  The channel is closed when the watch ends;
// a watch that dies for any other reason is reported over errOut once.
//
// The watcher only nudges the scheduler to re-read sooner.  All notification
// decisions still happen on the poll tick, so a lost change costs at most one
// poll period of latency.
func (db *DB) WatchPatientSettings(ctx context.Context) (<-chan SettingsChange, <-chan error) {
	changes := make(chan SettingsChange, 16)
	errOut := make(chan error, 1)

	go func() {
		defer close(changes)

		snapIter := db.firestoreClient.Collection(settingsCollection).Snapshots(ctx)
		defer snapIter.Stop()

		for {
			snap, err := snapIter.Next()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errOut <- fmt.Errorf("while watching patient settings: %w", err)
				return
			}

			for _, change := range snap.Changes {
				sc := SettingsChange{
					PatientID: change.Doc.Ref.ID,
					Removed:   change.Kind == firestore.DocumentRemoved,
				}

				select {
				case changes <- sc:
				case <-ctx.Done():
					return
				default:
					// Consumer is behind.  Dropping is fine; the next
					// poll pass re-reads everything anyway.
					slog.DebugContext(ctx, "Dropping settings change notification",
						slog.String("patient", sc.PatientID))
				}
			}
		}
	}()

	return changes, errOut
}
