package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
	"time"

	"github.com/timvw/loopsmith/internal/model"
)

// FingerprintInput is everything that can change an evaluation's outcome.
type FingerprintInput struct {
	// Content is the full document text.
	Content string
	// TargetScore is the effective pass threshold.
	TargetScore float64
	// Timeout is the effective engine timeout.
	Timeout time.Duration
	// Template is the active prompt template, before substitution.
	Template string
	// Rubric is the normalized rubric, if any.
	Rubric *model.Rubric
	// Mode is the parsing mode.
	Mode model.Mode
	// ProjectPath is the engine's working directory.
	ProjectPath string
	// Engine identifies the engine and model.
	Engine string
}

// Fingerprint returns a hex SHA-256 over the input. Every field is
// length-prefixed, so no two distinct inputs share an encoding.
func Fingerprint(in FingerprintInput) string {
	h := sha256.New()
	writeField(h, "v1")
	writeField(h, in.Content)
	writeField(h, strconv.FormatFloat(in.TargetScore, 'f', -1, 64))
	writeField(h, strconv.FormatInt(in.Timeout.Milliseconds(), 10))
	writeField(h, in.Template)
	if in.Rubric != nil {
		writeField(h, strconv.FormatFloat(in.Rubric.Completeness, 'g', -1, 64))
		writeField(h, strconv.FormatFloat(in.Rubric.Accuracy, 'g', -1, 64))
		writeField(h, strconv.FormatFloat(in.Rubric.Clarity, 'g', -1, 64))
		writeField(h, strconv.FormatFloat(in.Rubric.Usability, 'g', -1, 64))
	} else {
		writeField(h, "")
	}
	writeField(h, string(in.Mode))
	writeField(h, in.ProjectPath)
	writeField(h, in.Engine)
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
