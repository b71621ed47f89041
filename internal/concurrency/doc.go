// Package concurrency implements tag-scoped concurrency limits: a registry
// of limits and the slot accounting that admits or denies holders.
//
// Tags are trimmed and NFC-normalized before they reach the store, so
// visually identical tags always name the same limit.
package concurrency
