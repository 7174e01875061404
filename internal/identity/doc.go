// Package identity resolves a stable machine identifier and hostname for the
// running process.
//
// The machine identifier decides lock ownership, so it must survive reboots
// and differ between machines. It is resolved by walking a chain of
// [Source] strategies (OS platform UUID, machine-id files, hostname) and
// taking the first non-empty answer. If every source fails the fixed
// placeholder [Placeholder] is used. Resolution never returns an error.
//
// Results are memoized per [Provider]; the package-level [MachineID] and
// [Hostname] functions share one default provider for the whole process.
package identity
