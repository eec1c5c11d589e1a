package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsonfilter "github.com/andrey-viktorov/jsonfilter-go"
	"github.com/andrey-viktorov/jsonfilter-go/serde"
	"gopkg.in/yaml.v3"
)

var errInvalidReply = errors.New("invalid reply payload")

type replyFile struct {
	Replies []replyDefinition `yaml:"replies"`
}

type replyDefinition struct {
	Name     string                  `yaml:"name"`
	Match    *string                 `yaml:"match"`
	Filter   replyFilterDefinition   `yaml:"filter"`
	Response replyResponseDefinition `yaml:"response"`
}

type replyFilterDefinition struct {
	Body map[string]interface{} `yaml:"body"`
}

type replyResponseDefinition struct {
	Body interface{} `yaml:"body"`
	File string      `yaml:"file"`
}

// Reply is a scripted payload sent back to a duplex client after the echo.
type Reply struct {
	Name    string
	Payload json.RawMessage // Pre-serialized payload ready to send

	match  *string
	filter jsonfilter.Operator
}

// ReplyStore holds scripted replies in declaration order.
type ReplyStore struct {
	replies []*Reply
}

// LoadReplyConfig reads scripted replies from the supplied YAML file.
func LoadReplyConfig(configPath string) (*ReplyStore, error) {
	payload, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read reply config: %w", err)
	}

	var file replyFile
	if err := yaml.Unmarshal(payload, &file); err != nil {
		return nil, fmt.Errorf("parse reply config: %w", err)
	}

	if len(file.Replies) == 0 {
		return nil, fmt.Errorf("reply config %s does not define any replies", configPath)
	}

	parser := serde.DefaultParser()
	baseDir := filepath.Dir(configPath)

	store := &ReplyStore{
		replies: make([]*Reply, 0, len(file.Replies)),
	}

	for idx, def := range file.Replies {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("reply #%d is missing name", idx+1)
		}

		body, err := loadReplyPayload(def.Response, baseDir)
		if err != nil {
			return nil, fmt.Errorf("reply %s: %w", name, err)
		}

		var operator jsonfilter.Operator
		if len(def.Filter.Body) > 0 {
			root := map[string]interface{}{"jsonFilter": def.Filter.Body}
			operator, err = parser.FromMap(root)
			if err != nil {
				return nil, fmt.Errorf("reply %s filter: %w", name, err)
			}

			validation := operator.Validate()
			if !validation.Valid {
				return nil, fmt.Errorf("reply %s filter invalid: %s", name, validation.CauseDescription)
			}
		}

		store.replies = append(store.replies, &Reply{
			Name:    name,
			Payload: body,
			match:   def.Match,
			filter:  operator,
		})
	}

	return store, nil
}

// loadReplyPayload serializes the inline body, or reads the referenced JSON file.
func loadReplyPayload(def replyResponseDefinition, baseDir string) (json.RawMessage, error) {
	file := strings.TrimSpace(def.File)

	switch {
	case file != "" && def.Body != nil:
		return nil, fmt.Errorf("response.body and response.file are mutually exclusive")
	case file != "":
		if !filepath.IsAbs(file) {
			file = filepath.Join(baseDir, file)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("load response: %w", err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("load response %s: %w", file, errInvalidReply)
		}
		return json.RawMessage(data), nil
	case def.Body != nil:
		data, err := json.Marshal(def.Body)
		if err != nil {
			return nil, fmt.Errorf("serialize response: %w", err)
		}
		return json.RawMessage(data), nil
	default:
		return nil, fmt.Errorf("missing response.body or response.file")
	}
}

// Len returns the number of configured replies.
func (s *ReplyStore) Len() int {
	if s == nil {
		return 0
	}
	return len(s.replies)
}

// Names lists reply names in declaration order.
func (s *ReplyStore) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.replies))
	for _, r := range s.replies {
		names = append(names, r.Name)
	}
	return names
}

// MatchReply evaluates the configured replies in declaration order and
// returns the first whose text match and filter both accept the message.
// A nil store never matches.
func (s *ReplyStore) MatchReply(message []byte) *Reply {
	if s == nil {
		return nil
	}

	isJSON := json.Valid(message)

	for _, reply := range s.replies {
		if reply.match != nil && *reply.match != string(message) {
			continue
		}

		if reply.filter != nil {
			if !isJSON {
				continue
			}
			result := reply.filter.Evaluate(message)
			if !result.Match {
				continue
			}
		}

		return reply
	}

	return nil
}
