package qcow2

import "github.com/sirupsen/logrus"

// logCorruption emits the structured "corruption" signal spec §7 asks for:
// severity, byte range, description. The sink (this logger) decides what
// happens next; the engine itself only refuses further writes.
func (img *Image) logCorruption(severity string, offset, length uint64, description string) {
	if img.logger == nil {
		return
	}
	img.logger.WithFields(logrus.Fields{
		"severity": severity,
		"offset":   offset,
		"length":   length,
	}).Error("qcow2: " + description)
}

// logLeak emits an informational signal for a bounded, expected leak (e.g.
// an abandoned sub-cluster remainder) — not corruption, just something a
// follow-up Check will reclaim.
func (img *Image) logLeak(offset, length uint64, description string) {
	if img.logger == nil {
		return
	}
	img.logger.WithFields(logrus.Fields{
		"offset": offset,
		"length": length,
	}).Info("qcow2: " + description)
}
