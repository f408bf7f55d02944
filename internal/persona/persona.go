// Package persona holds the streamer persona: the reasoning step that turns
// sampled chat into a reply and the record of what the persona last said.
package persona

import "sync/atomic"

// Silent is reported by [LastUtterance.Load] before the persona has spoken
// in the current cycle.
const Silent = "(the streamer is currently silent...)"

// LastUtterance is the text the persona most recently started speaking.
// Writers replace the whole value, so readers never see a partial string.
// The zero value is ready to use.
type LastUtterance struct {
	text atomic.Pointer[string]
}

// Store records text as the current utterance.
func (u *LastUtterance) Store(text string) {
	u.text.Store(&text)
}

// Load returns the current utterance or [Silent].
func (u *LastUtterance) Load() string {
	if p := u.text.Load(); p != nil {
		return *p
	}
	return Silent
}

// Clear forgets the current utterance.
func (u *LastUtterance) Clear() {
	u.text.Store(nil)
}
