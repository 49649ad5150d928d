// Package logging builds the slog logger the binaries share: JSON for
// production, a colored console handler for development.
package logging
