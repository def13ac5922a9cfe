// Package pacer defines the core types shared across the visit-delivery engine:
// tasks, daily plans, failure records, visit attempts, the browser-executor wire
// contract, the error taxonomy and the storage interfaces every backend implements.
package pacer
