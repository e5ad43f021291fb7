package pipeline

import (
	"fmt"
	"strings"

	"casegraph/internal/services"
)

// Class identifies the media class of an artifact or the graph stage.
type Class string

const (
	ClassDocument Class = "document"
	ClassAudio    Class = "audio"
	ClassVideo    Class = "video"
	ClassCDR      Class = "cdr"
	ClassGraph    Class = "graph"
)

// MediaClasses lists the artifact classes a dispatcher accepts.
var MediaClasses = []Class{ClassDocument, ClassAudio, ClassVideo, ClassCDR}

// AllClasses lists every class that owns a queue.
var AllClasses = []Class{ClassDocument, ClassAudio, ClassVideo, ClassCDR, ClassGraph}

// ParseClass converts user input into a Class.
func ParseClass(value string) (Class, error) {
	c := Class(strings.ToLower(strings.TrimSpace(value)))
	switch c {
	case ClassDocument, ClassAudio, ClassVideo, ClassCDR, ClassGraph:
		return c, nil
	default:
		return "", services.Wrap(services.ErrConfiguration, "dispatch", "parse class",
			fmt.Sprintf("unknown class %q", value), nil)
	}
}

// IsMedia reports whether the class is an uploaded artifact class.
func (c Class) IsMedia() bool {
	switch c {
	case ClassDocument, ClassAudio, ClassVideo, ClassCDR:
		return true
	}
	return false
}

// Action returns the wire action constant paired with the class.
func (c Class) Action() string {
	if c == ClassGraph {
		return "build_graph"
	}
	return "process_" + string(c)
}

// QueueName returns the list name consumed by workers of the class.
func (c Class) QueueName() string {
	return "queue:" + string(c)
}

// RequiresLanguage reports whether dispatch must carry a source language.
func (c Class) RequiresLanguage() bool {
	switch c {
	case ClassDocument, ClassAudio, ClassVideo:
		return true
	}
	return false
}

// ClassForQueue maps a queue name back to its class.
func ClassForQueue(name string) (Class, bool) {
	rest, ok := strings.CutPrefix(name, "queue:")
	if !ok {
		return "", false
	}
	c, err := ParseClass(rest)
	if err != nil {
		return "", false
	}
	return c, true
}
