package workload

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Document is one synthetic probe record: the routed key, an update counter,
// and generated payload fields.
type Document struct {
	Key     DocumentKey `json:"key"`
	TS      time.Time   `json:"ts"`
	N       int64       `json:"n"`
	V       string      `json:"v"`
	Profile *Profile    `json:"profile,omitempty"`
}

// Profile is the synthetic payload attached to inserted documents. It keeps
// the records realistically shaped without being large enough to dominate
// operation latency.
type Profile struct {
	Name   string   `json:"name"`
	Email  string   `json:"email"`
	City   string   `json:"city"`
	Tags   []string `json:"tags"`
	Rating float64  `json:"rating"`
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	firstNames = []string{"Alex", "Sam", "Jordan", "Taylor", "Morgan", "Casey", "Riley", "Quinn", "Avery", "Rowan"}
	lastNames  = []string{"Smith", "Garcia", "Kim", "Patel", "Nguyen", "Mueller", "Silva", "Tanaka", "Okafor", "Larsen"}
	cities     = []string{"Austin", "Toronto", "London", "Berlin", "Lyon", "Pune", "Osaka", "Shenzhen", "Recife", "Perth"}
	tagWords   = []string{"tech", "finance", "health", "travel", "food", "sports"}
	domains    = []string{"example.com", "mail.test", "inbox.dev"}
)

// NewDocument generates the document for a key. The payload varies per call;
// the key itself is the only deterministic part.
func NewDocument(key DocumentKey, rng *rand.Rand) *Document {
	return &Document{
		Key:     key,
		TS:      time.Now().UTC(),
		N:       0,
		V:       randomToken(rng, 16),
		Profile: newProfile(rng),
	}
}

func newProfile(rng *rand.Rand) *Profile {
	first := firstNames[rng.Intn(len(firstNames))]
	last := lastNames[rng.Intn(len(lastNames))]
	email := fmt.Sprintf("%s.%s%d@%s",
		strings.ToLower(first), strings.ToLower(last), rng.Intn(1000), domains[rng.Intn(len(domains))])
	tags := make([]string, 0, 3)
	for _, tag := range tagWords {
		if rng.Float64() < 0.3 {
			tags = append(tags, tag)
		}
	}
	return &Profile{
		Name:   first + " " + last,
		Email:  email,
		City:   cities[rng.Intn(len(cities))],
		Tags:   tags,
		Rating: float64(rng.Intn(401)+100) / 100.0,
	}
}

func randomToken(rng *rand.Rand, length int) string {
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = tokenAlphabet[rng.Intn(len(tokenAlphabet))]
	}
	return string(buf)
}
