package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CommandSpec is one command item of a protocol document, action kept opaque
// until the command layer decodes it.
type CommandSpec struct {
	ID          string          `json:"id"`
	Triggers    []string        `json:"triggers"`
	Description string          `json:"description,omitempty"`
	Icon        string          `json:"icon,omitempty"`
	Scope       string          `json:"scope,omitempty"`
	Action      json.RawMessage `json:"action"`
}

// AuthSpec is the optional authentication block of a protocol document.
type AuthSpec struct {
	Required       bool     `json:"required"`
	Provider       string   `json:"provider"`
	LoginPage      string   `json:"login_page,omitempty"`
	CheckEndpoint  string   `json:"check_endpoint,omitempty"`
	LoginEndpoint  string   `json:"login_endpoint,omitempty"`
	LogoutEndpoint string   `json:"logout_endpoint,omitempty"`
	SessionStorage string   `json:"session_storage,omitempty"`
	AutoRedirect   bool     `json:"auto_redirect,omitempty"`
	PublicPages    []string `json:"public_pages,omitempty"`
}

// Known authentication providers.
const (
	ProviderFirebase = "firebase"
	ProviderOAuth    = "oauth"
	ProviderCustom   = "custom"
)

// Document is the parsed protocol.json an embedded application exposes.
type Document struct {
	Commands       []CommandSpec `json:"commands"`
	Authentication *AuthSpec     `json:"authentication,omitempty"`
}

// ParseDocument decodes a protocol document, dropping malformed command
// entries instead of failing the whole document.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := codec.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("protocol: parse document: %w", err)
	}
	kept := doc.Commands[:0]
	for _, c := range doc.Commands {
		if strings.TrimSpace(c.ID) == "" || len(c.Triggers) == 0 {
			continue
		}
		kept = append(kept, c)
	}
	doc.Commands = kept
	return &doc, nil
}
