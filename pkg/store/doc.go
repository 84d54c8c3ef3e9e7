// Package store keeps recently finished batch results in Redis so callers can
// fetch them again by batch id.
//
// Only results that carry a batch id are stored. Entries expire after the
// configured TTL; nothing here is replayed or resumed after a restart.
//
// # Basic Usage
//
//	client, err := store.Connect(ctx, "redis://localhost:6379/0")
//	if err != nil {
//		return err
//	}
//
//	manager := store.NewManager(client, 10*time.Minute, logger)
//	coordinator.SetRecorder(manager)
//
//	result, err := manager.Get(ctx, "batch-42")
//	if errors.Is(err, store.ErrNotFound) {
//		// expired or never stored
//	}
//
//	// Drop a result before its TTL runs out.
//	err = manager.Delete(ctx, "batch-42")
//
// # Keys
//
// Results live under "batch:result:<batchId>" as the JSON document returned to
// the original caller.
//
// # Metrics
//
//	batch_store_operations_total{operation,result}
//	batch_store_entry_bytes
package store
