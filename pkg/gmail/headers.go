package gmail

import (
	"strings"

	"inboxpilot-backend/pkg/provider"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"
)

type parsedHeaders struct {
	subject string
	from    provider.Address
	to      []provider.Address
	cc      []provider.Address
	bcc     []provider.Address
}

// parseHeaders decodes RFC 2047 words and RFC 5322 address lists. Malformed
// values degrade to the raw header text.
func parseHeaders(headers []*gmail.MessagePartHeader) parsedHeaders {
	raw := make(map[string][]string)
	for _, name := range []string{"Subject", "From", "To", "Cc", "Bcc"} {
		if v := getHeader(headers, name); v != "" {
			raw[name] = []string{v}
		}
	}
	h := mail.HeaderFromMap(raw)

	out := parsedHeaders{
		to:  addressList(&h, "To"),
		cc:  addressList(&h, "Cc"),
		bcc: addressList(&h, "Bcc"),
	}

	if subject, err := h.Subject(); err == nil {
		out.subject = subject
	} else {
		out.subject = h.Get("Subject")
	}

	if from := addressList(&h, "From"); len(from) > 0 {
		out.from = from[0]
	}
	return out
}

func addressList(h *mail.Header, key string) []provider.Address {
	value := h.Get(key)
	if value == "" {
		return []provider.Address{}
	}

	list, err := h.AddressList(key)
	if err != nil {
		return fallbackAddresses(value)
	}
	out := make([]provider.Address, 0, len(list))
	for _, a := range list {
		out = append(out, provider.Address{Name: a.Name, Address: strings.ToLower(a.Address)})
	}
	return out
}

func fallbackAddresses(value string) []provider.Address {
	var out []provider.Address
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr := provider.Address{Address: part}
		if lt := strings.Index(part, "<"); lt >= 0 {
			if gt := strings.Index(part[lt:], ">"); gt > 0 {
				addr.Address = part[lt+1 : lt+gt]
				addr.Name = strings.Trim(strings.TrimSpace(part[:lt]), `"`)
			}
		}
		addr.Address = strings.ToLower(addr.Address)
		out = append(out, addr)
	}
	return out
}
