// Package logging wires github.com/sirupsen/logrus the way SPEC_FULL.md
// section 1 specifies: one base entry per Communication instance,
// carrying an instance correlation id, from which every strand derives
// a child entry with its own "component" field.
package logging

import (
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// New builds the base *logrus.Entry for one Communication instance,
// tagged with a fresh UUID correlation id and the configured level and
// format.
func New(level, format string, selfNodeID int64) (*logrus.Entry, error) {
	log := logrus.New()

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return log.WithFields(logrus.Fields{
		"instance": uuid.NewString(),
		"node_id":  selfNodeID,
	}), nil
}

// ForComponent derives a child entry scoped to one strand/component.
func ForComponent(base *logrus.Entry, component string) *logrus.Entry {
	return base.WithField("component", component)
}

// ForPeer further scopes an entry to a specific peer node id. No
// component of this module calls it; the components log peer ids as a
// plain "peer" field on individual lines.
func ForPeer(entry *logrus.Entry, peerID int64) *logrus.Entry {
	return entry.WithField("peer_id", peerID)
}
