package live

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/playperu/hunt/internal/hunt"
)

// Type tags a server-to-client message.
type Type string

const (
	TypeNewGuess          Type = "new_guess"
	TypeOldGuess          Type = "old_guess"
	TypeNewUnlock         Type = "new_unlock"
	TypeOldUnlock         Type = "old_unlock"
	TypeChangeUnlock      Type = "change_unlock"
	TypeDeleteUnlock      Type = "delete_unlock"
	TypeDeleteUnlockGuess Type = "delete_unlockguess"
	TypeNewHint           Type = "new_hint"
	TypeDeleteHint        Type = "delete_hint"
	TypeError             Type = "error"
)

type Message struct {
	Type    Type `json:"type"`
	Content any  `json:"content"`
}

type GuessContent struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Guess     string    `json:"guess"`
	Correct   bool      `json:"correct"`
	By        string    `json:"by"`
	Redirect  string    `json:"redirect,omitempty"`
}

type UnlockContent struct {
	UnlockID int64  `json:"unlockid"`
	Unlock   string `json:"unlock,omitempty"`
	Guess    string `json:"guess,omitempty"`
}

type HintContent struct {
	HintID int64  `json:"hint_uid"`
	Hint   string `json:"hint,omitempty"`
	Time   string `json:"time,omitempty"`
}

type ErrorContent struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func guessMessage(typ Type, g hunt.Guess, by, redirect string) Message {
	return Message{Type: typ, Content: GuessContent{
		ID:        g.ID,
		Timestamp: g.Given,
		Guess:     g.Text,
		Correct:   g.Correct(),
		By:        by,
		Redirect:  redirect,
	}}
}

func unlockMessage(typ Type, u hunt.Unlock, guess string) Message {
	return Message{Type: typ, Content: UnlockContent{UnlockID: u.ID, Unlock: u.Text, Guess: guess}}
}

func hintMessage(h hunt.Hint) Message {
	return Message{Type: TypeNewHint, Content: HintContent{HintID: h.ID, Hint: h.Text, Time: h.Delay.String()}}
}

func errorMessage(field, format string, args ...any) Message {
	return Message{Type: TypeError, Content: ErrorContent{Error: fmt.Sprintf(format, args...), Field: field}}
}

// Client request types.
const (
	requestGuesses = "guesses-plz"
	requestUnlocks = "unlocks-plz"
)

type request struct {
	Type string
	// All is set when every guess is requested; otherwise From is the
	// earliest submission time wanted.
	All  bool
	From time.Time
}

// requestError is a malformed client message. It is reported to the client
// and never closes the connection.
type requestError struct {
	Field   string
	Message string
}

func (e *requestError) Error() string { return e.Field + ": " + e.Message }

func parseRequest(data []byte) (request, error) {
	var raw struct {
		Type string          `json:"type"`
		From json.RawMessage `json:"from"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return request{}, &requestError{Message: "message is not a JSON object"}
	}
	switch raw.Type {
	case "":
		return request{}, &requestError{Field: "type", Message: "missing"}
	case requestUnlocks:
		return request{Type: raw.Type}, nil
	case requestGuesses:
		all, from, err := parseFrom(raw.From)
		if err != nil {
			return request{}, err
		}
		return request{Type: raw.Type, All: all, From: from}, nil
	default:
		return request{}, &requestError{Field: "type", Message: strconv.Quote(raw.Type) + " is not a known request"}
	}
}

// parseFrom accepts "all", a unix millisecond number, or the same number as
// a string.
func parseFrom(raw json.RawMessage) (bool, time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false, time.Time{}, &requestError{Field: "from", Message: "missing"}
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "all" {
			return true, time.Time{}, nil
		}
		raw = []byte(s)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return false, time.Time{}, &requestError{Field: "from", Message: `must be "all" or a unix millisecond timestamp`}
	}
	return false, time.UnixMilli(n).UTC(), nil
}
