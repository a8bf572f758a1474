// Package logstream names the log stream a job writes to. The scheduler only carries
// the handle; it never reads log content.
package logstream

import "fmt"

// Namer hands out an opaque log-stream handle for a job.
type Namer interface {
	StreamName(definitionName, jobID string) string
}

// Default names streams "<definition>/default/<job id>".
type Default struct{}

func (Default) StreamName(definitionName, jobID string) string {
	return fmt.Sprintf("%s/default/%s", definitionName, jobID)
}

// Prefixed puts a fixed group in front of the default stream name.
type Prefixed struct {
	Prefix string
}

func (p Prefixed) StreamName(definitionName, jobID string) string {
	if p.Prefix == "" {
		return Default{}.StreamName(definitionName, jobID)
	}
	return p.Prefix + "/" + Default{}.StreamName(definitionName, jobID)
}
