// Package ambient holds the vocabulary shared by every part of the mixing
// engine: layer identifiers, tracks, the volume epsilon and the typed errors
// each component returns.
package ambient
