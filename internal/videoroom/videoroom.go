// Package videoroom describes the handoff from the signaling flows to the
// external video room.
package videoroom

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/hackgods/consultation-signaling/internal/consultation"
)

const DefaultDomain = "meet.jit.si"

// Handoff is what a flow produces once both parties should join the room.
type Handoff struct {
	MeetingID string            `json:"meeting_id"`
	Role      consultation.Role `json:"role"`
}

// Handler receives a handoff. Flows call it at most once per consultation.
type Handler func(Handoff)

// Room builds join links for a Jitsi deployment.
type Room struct {
	Domain string
}

func NewRoom(domain string) Room {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		domain = DefaultDomain
	}
	return Room{Domain: domain}
}

// URL returns the join link for h. The meeting id is the room name; the
// fragment carries the same overrides the web client applied.
func (r Room) URL(h Handoff, displayName, jwt string) (string, error) {
	if h.MeetingID == "" {
		return "", consultation.Validationf("meeting id is required to join a room")
	}
	if !h.Role.Valid() {
		return "", consultation.Validationf("unknown role %q", h.Role)
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = "guest"
	}

	u := url.URL{
		Scheme: "https",
		Host:   r.Domain,
		Path:   "/" + h.MeetingID,
	}
	if jwt != "" {
		u.RawQuery = url.Values{"jwt": {jwt}}.Encode()
	}

	frag := []string{
		param("userInfo.displayName", displayName),
		param("config.prejoinPageEnabled", false),
		param("config.startWithAudioMuted", false),
		param("config.startWithVideoMuted", false),
		param("config.disableModeratorIndicator", h.Role != consultation.RoleDoctor),
		param("interfaceConfig.SHOW_JITSI_WATERMARK", false),
	}
	return u.String() + "#" + strings.Join(frag, "&"), nil
}

func param(key string, v any) string {
	b, _ := json.Marshal(v)
	return fmt.Sprintf("%s=%s", key, url.QueryEscape(string(b)))
}
