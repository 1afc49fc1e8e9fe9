// Package extraction contains the Extraction bounded context.
// This context models the records pulled from the upstream ERP (sales invoices,
// contacts and products) and the bookkeeping needed to extract them safely.
//
// Key concepts:
//   - Invoice: Aggregate made of a header, its merged items and its payments
//   - Contact / Product: Reference records collected after the invoices that cite them
//   - OAuthToken: The single access/refresh token pair shared by every run
//   - RunRecord: One row per pipeline invocation, the source of the incremental watermark
//   - Period: Inclusive range of calendar days; full runs split into monthly periods
//
// Design Pattern: Ports & Adapters
//   - Ports (SourceAPI, TokenStore, TokenEndpoint, Store, RunLedger, RunLock) are defined here
//   - Adapters (Bling HTTP client, GORM store, Redis lock) are in the infrastructure layer
package extraction
