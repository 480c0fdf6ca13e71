package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"birdseye/models"
)

// Section names the archive loader uses when handing over raw buffers.
const (
	SectionPosts     = "tweets"
	SectionFollowers = "followers"
	SectionFollowing = "following"
	SectionAccount   = "account"
)

// createdAtLayout is the timestamp format the export uses for posts.
const createdAtLayout = "Mon Jan 02 15:04:05 -0700 2006"

// ErrArchiveParse is returned when a section's top-level structure cannot be
// located at all. Individual bad records never produce it.
type ErrArchiveParse struct {
	Section string
	Reason  string
}

func (e *ErrArchiveParse) Error() string {
	return fmt.Sprintf("archive section %q unparseable: %s", e.Section, e.Reason)
}

// Build parses the raw export sections into a Model. Each section is a JSON
// array wrapped in a leading assignment statement ("window.YTD.<x>.part0 = ")
// that has to be stripped before decoding. Malformed individual records are
// skipped with a recorded warning; only a section whose array cannot be
// found at all aborts the build.
func Build(sections map[string][]byte, log *logrus.Logger) (*Model, error) {
	m := newModel()

	if raw, ok := sections[SectionAccount]; ok {
		if err := parseSection(m, SectionAccount, "account", raw, m.applyAccountRecord); err != nil {
			return nil, err
		}
	}
	if raw, ok := sections[SectionPosts]; ok {
		if err := parseSection(m, SectionPosts, "tweet", raw, m.applyPostRecord); err != nil {
			return nil, err
		}
	}
	if raw, ok := sections[SectionFollowers]; ok {
		if err := parseSection(m, SectionFollowers, "follower", raw, m.applyFollowerRecord); err != nil {
			return nil, err
		}
	}
	if raw, ok := sections[SectionFollowing]; ok {
		if err := parseSection(m, SectionFollowing, "following", raw, m.applyFollowingRecord); err != nil {
			return nil, err
		}
	}

	for _, w := range m.warnings {
		log.WithFields(logrus.Fields{
			"section": w.Section,
			"index":   w.Index,
			"reason":  w.Reason,
		}).Warn("Skipped malformed archive record")
	}
	log.WithFields(logrus.Fields{
		"posts":    len(m.posts),
		"accounts": len(m.accounts),
		"warnings": len(m.warnings),
	}).Info("Archive model built")

	return m, nil
}

// parseSection strips the assignment prefix, decodes the array and feeds each
// record's payload to apply. The wrapper key ("tweet", "follower", ...) is
// unwrapped when present; bare payload objects are accepted too.
func parseSection(m *Model, section, wrapper string, raw []byte, apply func(int, json.RawMessage) error) error {
	start := bytes.IndexByte(raw, '[')
	if start < 0 {
		return &ErrArchiveParse{Section: section, Reason: "no array start found"}
	}

	var records []json.RawMessage
	if err := json.Unmarshal(raw[start:], &records); err != nil {
		return &ErrArchiveParse{Section: section, Reason: err.Error()}
	}

	for i, rec := range records {
		payload := rec
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(rec, &envelope); err != nil {
			m.addWarning(Warning{Section: section, Index: i, Reason: "record is not an object"})
			continue
		}
		if inner, ok := envelope[wrapper]; ok {
			payload = inner
		}
		if err := apply(i, payload); err != nil {
			m.addWarning(Warning{Section: section, Index: i, Reason: err.Error()})
		}
	}
	return nil
}

// optStr distinguishes "field absent" from "field empty" so that duplicate
// records merge field-by-field instead of blanking earlier values.
type optStr struct {
	set bool
	val string
}

func (o *optStr) UnmarshalJSON(b []byte) error {
	if err := json.Unmarshal(b, &o.val); err != nil {
		return err
	}
	o.set = true
	return nil
}

// optInt accepts both bare numbers and the quoted decimal strings the export
// uses for counters.
type optInt struct {
	set bool
	val int
}

func (o *optInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not a count: %s", s)
	}
	o.set = true
	o.val = n
	return nil
}

type optTime struct {
	set bool
	val time.Time
}

type parsedPost struct {
	id        string
	text      optStr
	createdAt optTime
	favorites optInt
	reshares  optInt
	replies   optInt
	inReplyTo optStr
}

func (m *Model) applyPostRecord(_ int, payload json.RawMessage) error {
	var rec struct {
		IDStr     optStr `json:"id_str"`
		ID        optStr `json:"id"`
		FullText  optStr `json:"full_text"`
		Text      optStr `json:"text"`
		CreatedAt optStr `json:"created_at"`
		Favorites optInt `json:"favorite_count"`
		Reshares  optInt `json:"retweet_count"`
		Replies   optInt `json:"reply_count"`
		InReplyTo optStr `json:"in_reply_to_status_id_str"`
	}
	if err := json.Unmarshal(payload, &rec); err != nil {
		return err
	}

	p := parsedPost{
		favorites: rec.Favorites,
		reshares:  rec.Reshares,
		replies:   rec.Replies,
		inReplyTo: rec.InReplyTo,
	}
	switch {
	case rec.IDStr.set && rec.IDStr.val != "":
		p.id = rec.IDStr.val
	case rec.ID.set && rec.ID.val != "":
		p.id = rec.ID.val
	default:
		return fmt.Errorf("post record has no id")
	}
	if rec.FullText.set {
		p.text = rec.FullText
	} else if rec.Text.set {
		p.text = rec.Text
	}
	if rec.CreatedAt.set {
		t, err := time.Parse(createdAtLayout, rec.CreatedAt.val)
		if err != nil {
			return fmt.Errorf("bad created_at %q: %v", rec.CreatedAt.val, err)
		}
		p.createdAt = optTime{set: true, val: t}
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.mergeArchivedPost(p)
	return nil
}

func (m *Model) applyFollowerRecord(_ int, payload json.RawMessage) error {
	id, err := accountID(payload)
	if err != nil {
		return err
	}
	m.addRelation(id, models.RelationFollowsUser)
	return nil
}

func (m *Model) applyFollowingRecord(_ int, payload json.RawMessage) error {
	id, err := accountID(payload)
	if err != nil {
		return err
	}
	m.addRelation(id, models.RelationFollowedByUser)
	return nil
}

func accountID(payload json.RawMessage) (string, error) {
	var rec struct {
		AccountID optStr `json:"accountId"`
	}
	if err := json.Unmarshal(payload, &rec); err != nil {
		return "", err
	}
	if !rec.AccountID.set || rec.AccountID.val == "" {
		return "", fmt.Errorf("record has no accountId")
	}
	return rec.AccountID.val, nil
}

func (m *Model) applyAccountRecord(_ int, payload json.RawMessage) error {
	var rec struct {
		AccountID   optStr `json:"accountId"`
		Username    optStr `json:"username"`
		DisplayName optStr `json:"accountDisplayName"`
	}
	if err := json.Unmarshal(payload, &rec); err != nil {
		return err
	}
	if !rec.AccountID.set || rec.AccountID.val == "" {
		return fmt.Errorf("account record has no accountId")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.owner.ID = rec.AccountID.val
	if rec.Username.set {
		m.owner.Handle = rec.Username.val
	}
	if rec.DisplayName.set {
		m.owner.DisplayName = rec.DisplayName.val
	}
	return nil
}

// isReshareText detects the archive's reshare convention, a text body that
// starts with "RT @".
func isReshareText(text string) bool {
	return strings.HasPrefix(text, "RT @")
}
