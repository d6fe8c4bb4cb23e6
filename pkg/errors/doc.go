/*
Package errors provides structured error handling for the control plane.

It defines a standard AppError type that includes:
  - Error Code (standardized strings like NOT_FOUND, INTERNAL)
  - Message (human-readable description)
  - Underlying Error (chaining)

Call sites compare against the sentinel values exported by each package
(e.g. driver.ErrOutOfBounds) with errors.Is/As rather than against Code
strings directly; Code exists for log aggregation and the MCP bridge's
structured error responses.
*/
package errors
