// Package termsession keeps terminal sessions alive across client
// disconnects and replays missed output when a client reattaches.
//
// # Core Components
//
//   - [Buffer]: fixed-capacity circular byte buffer with an optional line index.
//   - [Registry]: sole owner of every session. Callers hold session ids and
//     receive [SessionInfo] snapshots, never references.
//   - [Attachment]: the binding between a session and one live [Conn].
//
// # Session Lifecycle
//
//  1. Created via [Registry.CreateNew], or implicitly by
//     [Registry.HandleIncomingConnection] for an unknown id → [StateCreated].
//  2. Connection bound → [StateAttached]. Buffered output is replayed in
//     [DefaultReplayChunkSize] frames before any live output.
//  3. Connection lost → [StateDetached]. The session is checkpointed and
//     keeps buffering output handed to [Registry.HandleOutput].
//  4. Explicit close ([Registry.Destroy]) or eviction by
//     [Registry.CleanupOld] removes the session and its checkpoint.
//
// Binding a second connection detaches the first, which is closed with
// [CloseSuperseded].
//
// # Maintenance
//
// [Registry.Maintenance] must be called about once a second. It checkpoints
// dirty sessions and sessions not saved within SaveInterval, and every
// CleanupInterval evicts inactive sessions older than MaxInactiveAge or
// beyond MaxSessions, least recently accessed first.
//
// # Log Prefixes
//
//   - [registry]: creation, destruction, eviction, counters.
//   - [reattach]: attach, detach, replay.
//   - [checkpoint]: loading and saving state files.
//
// # Usage
//
//	reg, err := termsession.NewRegistry(termsession.Options{StateDir: dir})
//	if err != nil { ... }
//	reg.LoadFromDisk()
//	info, err := reg.HandleIncomingConnection(ctx, id, conn, cwd)
//	reg.WriteOutput(ctx, info.ID, output)
//	reg.HandleDisconnection(info.ID, conn)
package termsession
