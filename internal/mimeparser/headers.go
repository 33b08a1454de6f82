package mimeparser

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/emersion/go-message/mail"

	"github.com/veilmail/core/internal/types"
)

// parseDate parses a Date header tolerantly: RFC 5322 first, then falling
// back to github.com/araddon/dateparse for the malformed dates real-world
// MUAs and mailing-list software are known to emit.
func parseDate(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC1123Z, raw); err == nil {
		return t
	}
	if t, err := dateparse.ParseAny(raw); err == nil {
		return t
	}
	return time.Time{}
}

// parseListID extracts the bracketed identifier from a List-Id header,
// e.g. "Project Discuss <discuss.example.com>" -> "discuss.example.com".
func parseListID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if i, j := strings.Index(raw, "<"), strings.LastIndex(raw, ">"); i >= 0 && j > i {
		return strings.TrimSpace(raw[i+1 : j])
	}
	return raw
}

func addrListStrings(addrs []*mail.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, types.NormalizeAddr(a.Address))
	}
	return out
}

// parseGroupHeaders reads the Chat-Group-* header block (spec.md §6).
func parseGroupHeaders(h mail.Header) GroupHeaders {
	g := GroupHeaders{
		GroupID:         strings.TrimSpace(h.Get("Chat-Group-ID")),
		GroupName:       strings.TrimSpace(h.Get("Chat-Group-Name")),
		NameChangedFrom: strings.TrimSpace(h.Get("Chat-Group-Name-Changed")),
		MemberAdded:     strings.TrimSpace(h.Get("Chat-Group-Member-Added")),
		MemberRemoved:   strings.TrimSpace(h.Get("Chat-Group-Member-Removed")),
		Verified:        strings.TrimSpace(h.Get("Chat-Verified")) == "1",
	}
	if past := strings.TrimSpace(h.Get("Chat-Group-Past-Members")); past != "" {
		for _, a := range strings.Fields(past) {
			g.PastMembers = append(g.PastMembers, types.NormalizeAddr(a))
		}
	}
	if ts := strings.TrimSpace(h.Get("Chat-Group-Member-Timestamps")); ts != "" {
		for _, tok := range strings.Fields(ts) {
			v, err := strconv.ParseInt(tok, 10, 64)
			if err == nil {
				g.MemberTimestamps = append(g.MemberTimestamps, v)
			}
		}
	}
	if av := strings.TrimSpace(h.Get("Chat-Group-Avatar")); av != "" {
		if av == "0" {
			g.AvatarDeleted = true
		} else {
			g.AvatarCID = av
		}
	}
	return g
}

// parseAutocrypt parses the Autocrypt: or Autocrypt-Gossip: attribute-list
// syntax: `addr=a@b.c; prefer-encrypt=mutual; keydata=<base64>`.
func parseAutocrypt(raw string) *AutocryptHeader {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	h := &AutocryptHeader{}
	for _, part := range strings.Split(raw, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := strings.ToLower(strings.TrimSpace(kv[0])), strings.TrimSpace(kv[1])
		switch key {
		case "addr":
			h.Addr = types.NormalizeAddr(val)
		case "prefer-encrypt":
			if strings.EqualFold(val, "mutual") {
				h.PreferEncrypt = types.PreferEncryptMutual
			}
		case "keydata":
			// keydata is base64 with internal whitespace folding permitted.
			clean := strings.Join(strings.Fields(val), "")
			data, err := base64.StdEncoding.DecodeString(clean)
			if err == nil {
				h.KeyData = data
			}
		}
	}
	if h.Addr == "" || len(h.KeyData) == 0 {
		return nil
	}
	return h
}

// parseGossip parses one or more Autocrypt-Gossip: headers, each scoped to
// one member address.
func parseGossip(raws []string) []AutocryptHeader {
	out := make([]AutocryptHeader, 0, len(raws))
	for _, raw := range raws {
		if h := parseAutocrypt(raw); h != nil {
			out = append(out, *h)
		}
	}
	return out
}
