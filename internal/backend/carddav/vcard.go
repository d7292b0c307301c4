package carddav

import (
	"strings"

	"github.com/emersion/go-vcard"

	"github.com/sweeney/asterisk-tickets/internal/address"
)

// fieldDestinations lists the ticket locations a contact's calls go to.
const fieldDestinations = "X-CUSTOM1"

// splitDestinations parses the X-CUSTOM1 list of ticket locations.
func splitDestinations(raw string) []string {
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.NewReplacer(`\`, "", " ", "").Replace(part)
		if part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}

// firstComponent returns the first part of a structured value such as ORG.
func firstComponent(v string) string {
	first, _, _ := strings.Cut(v, ";")
	return first
}

func cardInfo(card vcard.Card, countryCode string) address.Info {
	info := address.Info{
		Name:        card.Value(vcard.FieldFormattedName),
		CompanyName: firstComponent(card.Value(vcard.FieldOrganization)),
	}
	for _, tel := range card.Values(vcard.FieldTelephone) {
		tel = strings.TrimPrefix(tel, "tel:")
		info.PhoneNumbers = append(info.PhoneNumbers, address.Normalize(tel, countryCode))
	}
	for _, raw := range card.Values(fieldDestinations) {
		info.RoutingDestinations = append(info.RoutingDestinations, splitDestinations(raw)...)
	}
	return info
}
