package platform

import (
	"errors"
	"time"
)

// ErrMissingID is returned when a remote response that must carry an
// identifier comes back without one.
var ErrMissingID = errors.New("platform: response missing identifier")

// kmPerMile converts the platform's distance_mi to kilometres.
const kmPerMile = 1.609344

// Match is one entry of a match listing page.
type Match struct {
	ID       string `json:"_id"`
	PersonID string `json:"person_id"`
	Name     string `json:"name"`
}

// Person is the extended profile of a matched person. ID is required; the
// remaining fields are optional on the platform side.
type Person struct {
	ID         string
	Name       string
	DistanceKm *float64
	BirthDate  *time.Time
	Bio        *string
}

// SendResult is the acknowledgment of a sent message. ID is empty when the
// platform did not accept the message.
type SendResult struct {
	ID     string    `json:"_id"`
	SentAt time.Time `json:"sent_date"`
}

// UnmatchResult carries the HTTP status of an unmatch call.
type UnmatchResult struct {
	StatusCode int
}

// OK reports whether the unmatch was acknowledged.
func (r UnmatchResult) OK() bool { return r.StatusCode == 200 }

// Profile is the local account.
type Profile struct {
	ID        string
	Bio       string
	Interests []string
}

// Message is one turn of a conversation thread.
type Message struct {
	ID      string    `json:"_id"`
	MatchID string    `json:"match_id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Body    string    `json:"message"`
	SentAt  time.Time `json:"sent_date"`
}

// Thread is a conversation, oldest message first.
type Thread struct {
	MatchID  string
	Messages []Message
}

// Latest returns the newest message, or false for an empty thread.
func (t Thread) Latest() (Message, bool) {
	if len(t.Messages) == 0 {
		return Message{}, false
	}
	return t.Messages[len(t.Messages)-1], true
}

// --- wire shapes ---

type matchesResponse struct {
	Data struct {
		Matches []struct {
			ID     string `json:"_id"`
			Person struct {
				ID   string `json:"_id"`
				Name string `json:"name"`
			} `json:"person"`
		} `json:"matches"`
		NextPageToken string `json:"next_page_token"`
	} `json:"data"`
}

type personResponse struct {
	Results struct {
		ID         string   `json:"_id"`
		Name       string   `json:"name"`
		DistanceMi *float64 `json:"distance_mi"`
		BirthDate  string   `json:"birth_date"`
		Bio        *string  `json:"bio"`
	} `json:"results"`
}

type profileResponse struct {
	Data struct {
		User struct {
			ID            string `json:"_id"`
			Bio           string `json:"bio"`
			UserInterests struct {
				SelectedInterests []struct {
					Name string `json:"name"`
				} `json:"selected_interests"`
			} `json:"user_interests"`
		} `json:"user"`
	} `json:"data"`
}

type messagesResponse struct {
	Data struct {
		Messages      []Message `json:"messages"`
		NextPageToken string    `json:"next_page_token"`
	} `json:"data"`
}

type sendRequest struct {
	UserID  string `json:"userId"`
	OtherID string `json:"otherId"`
	MatchID string `json:"matchId"`
	Message string `json:"message"`
}
