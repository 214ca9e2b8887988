// Package researchx submits long-running research queries to a remote
// worker and tracks them through a durable job record.
//
// Quick start:
//  1. Open a *sql.DB (sqlite or postgres), wrap it with NewSQLStore and call
//     Migrate.
//  2. Create a Client with NewClient(redis, store, worker, ...) and call
//     Submit. Quick jobs come back finished; deep jobs come back pending.
//  3. Run a Processor against the same redis and store. It executes deep jobs
//     and moves them pending -> processing -> completed|failed.
//  4. Watch a job with a Poller. After a restart, Client.Resume finds the
//     owner's latest unfinished job so a new poller can attach to it.
package researchx
