// Package errs holds the error taxonomy shared by the ride services and the HTTP layer.
//
// Each error type follows the same pattern:
//   - a sentinel variable (e.g. ErrConflict) usable with errors.Is
//   - a struct carrying the details the caller needs to render a response
//   - a constructor
//   - Error() and Unwrap() returning the sentinel
package errs
