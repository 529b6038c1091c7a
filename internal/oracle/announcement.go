package oracle

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PriceDigits is the number of binary digits the oracle attests over. The
// maximum attestable price follows from it.
const PriceDigits = 20

// MaxAttestablePrice is the highest price the oracle can sign: 2^20 - 1.
const MaxAttestablePrice = 1<<PriceDigits - 1

const eventTimeLayout = "2006-01-02T15:04:05"

// EventID names one oracle price event, embedding the expected outcome time.
type EventID string

// NewEventID builds the id for the price event of the given symbol at the
// given time.
func NewEventID(symbol string, t time.Time) EventID {
	return EventID(fmt.Sprintf(
		"/price/%s/%s.price?n=%d",
		symbol,
		t.UTC().Format(eventTimeLayout),
		PriceDigits,
	))
}

// Timestamp extracts the expected outcome time embedded in the id.
func (id EventID) Timestamp() (time.Time, error) {
	s := string(id)

	start := strings.LastIndex(s, "/")
	end := strings.Index(s, ".price")
	if start < 0 || end < 0 || end <= start {
		return time.Time{}, fmt.Errorf("malformed oracle event id: %q", s)
	}

	t, err := time.Parse(eventTimeLayout, s[start+1:end])
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed oracle event id %q: %w", s, err)
	}
	return t.UTC(), nil
}

// NextAnnouncementAfter returns the id of the first announcement whose
// outcome time is at or after t, rounded up to the next whole hour.
func NextAnnouncementAfter(symbol string, t time.Time) EventID {
	rounded := t.UTC().Truncate(time.Hour)
	if rounded.Before(t.UTC()) {
		rounded = rounded.Add(time.Hour)
	}
	return NewEventID(symbol, rounded)
}

// Announcement is a published oracle commitment binding a future price
// attestation: the event id plus the nonce public keys that will be used to
// sign each price digit.
type Announcement struct {
	ID       EventID  `json:"id"`
	NoncePKs []string `json:"nonce_pks"`
}

// SortAnnouncements orders announcements by their embedded outcome time,
// falling back to lexicographic id order when a timestamp cannot be parsed.
// The last element after sorting is the settlement announcement.
func SortAnnouncements(announcements []Announcement) []Announcement {
	sorted := make([]Announcement, len(announcements))
	copy(sorted, announcements)

	sort.SliceStable(sorted, func(i, j int) bool {
		ti, erri := sorted[i].ID.Timestamp()
		tj, errj := sorted[j].ID.Timestamp()
		if erri != nil || errj != nil {
			return sorted[i].ID < sorted[j].ID
		}
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return sorted[i].ID < sorted[j].ID
	})

	return sorted
}

// Attestation is the oracle's signed price outcome for one event.
type Attestation struct {
	ID      EventID  `json:"id"`
	Price   uint64   `json:"price"`
	Scalars []string `json:"scalars"`
}
