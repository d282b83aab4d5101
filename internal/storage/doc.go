// Package storage keeps the action journal.
//
// It records:
//   - Outcomes of every flow a worker ran (informational, never read back for eligibility)
//   - Alert marks, so a repeated alert stays quiet until its mark expires, across restarts
package storage
