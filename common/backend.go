package common

// BackendID identifies a backend (session).
// The prepared transaction entry records which backend is currently
// working on it, so that two backends do not try to finish the same
// prepared transaction at once.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/backendid.h#L21-L30
type BackendID int32

// InvalidBackendID indicates that no backend holds the entry
const InvalidBackendID BackendID = -1
