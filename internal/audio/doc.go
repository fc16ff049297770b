// Package audio defines the audio sink capability the mixing engine is built
// against, a mock sink for tests, and an oto/v3 output that plays a rendered
// PCM stream on the default device.
package audio
