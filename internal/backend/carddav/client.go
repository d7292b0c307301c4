// Package carddav resolves caller numbers against CardDAV address books.
package carddav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/carddav"

	"github.com/sweeney/asterisk-tickets/internal/address"
)

// Config configures the lookup.
type Config struct {
	// DirectURL is the address book of people, matched on the full number.
	DirectURL string
	// CompaniesURL is the address book of organizations, matched on the
	// number without its extension. Optional.
	CompaniesURL string
	Username     string
	Password     string
	// CountryCode is used to normalize national numbers. Default "49".
	CountryCode string
	// SuffixDigits is the extension length cut off for the companies book.
	// Default 5.
	SuffixDigits int

	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// book is one address book on a CardDAV server.
type book struct {
	client *carddav.Client
	path   string
}

// Client implements address.Lookup.
type Client struct {
	cfg       Config
	direct    book
	companies *book
	logger    *slog.Logger
}

// New returns a client for cfg.
func New(cfg Config) (*Client, error) {
	if cfg.DirectURL == "" {
		return nil, errors.New("carddav: direct address book url is required")
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = "49"
	}
	if cfg.SuffixDigits == 0 {
		cfg.SuffixDigits = 5
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var hc webdav.HTTPClient = httpClient
	if cfg.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(hc, cfg.Username, cfg.Password)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{cfg: cfg, logger: logger.With("lookup", "carddav")}

	var err error
	if c.direct, err = openBook(hc, cfg.DirectURL); err != nil {
		return nil, err
	}
	if cfg.CompaniesURL != "" {
		companies, err := openBook(hc, cfg.CompaniesURL)
		if err != nil {
			return nil, err
		}
		c.companies = &companies
	}
	return c, nil
}

func openBook(hc webdav.HTTPClient, rawURL string) (book, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return book{}, fmt.Errorf("carddav: invalid address book url %q", rawURL)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	u.Path, u.RawQuery, u.Fragment = "", "", ""

	client, err := carddav.NewClient(hc, u.String())
	if err != nil {
		return book{}, fmt.Errorf("carddav: %w", err)
	}
	return book{client: client, path: path}, nil
}

// Lookup searches the direct book for the exact number, then the companies
// book for the organization prefix. Among several cards the one with the
// longest common number prefix wins.
func (c *Client) Lookup(ctx context.Context, number string) (address.Info, error) {
	if number == "" {
		return address.Info{}, nil
	}
	normalized := address.Normalize(number, c.cfg.CountryCode)

	cards, err := c.query(ctx, c.direct, carddav.MatchEquals, normalized)
	if err != nil {
		return address.Info{}, err
	}
	if info, ok := address.BestMatch(normalized, cards); ok {
		c.logger.Debug("caller found in direct book", "number", normalized, "name", info.Name)
		return info, nil
	}

	if c.companies == nil {
		return address.Info{}, nil
	}
	prefix := address.OrganizationPrefix(normalized, c.cfg.SuffixDigits)
	cards, err = c.query(ctx, *c.companies, carddav.MatchStartsWith, prefix)
	if err != nil {
		return address.Info{}, err
	}
	info, ok := address.BestMatch(normalized, cards)
	if !ok {
		return address.Info{}, nil
	}
	info.IsCompany = true
	c.logger.Debug("caller found in companies book", "number", normalized, "company", info.CompanyName)
	return info, nil
}

func (c *Client) query(ctx context.Context, b book, match carddav.MatchType, value string) ([]address.Info, error) {
	query := &carddav.AddressBookQuery{
		DataRequest: carddav.AddressDataRequest{
			Props: []string{vcard.FieldFormattedName, vcard.FieldOrganization, vcard.FieldTelephone, fieldDestinations},
		},
		PropFilters: []carddav.PropFilter{{
			Name:        vcard.FieldTelephone,
			TextMatches: []carddav.TextMatch{{Text: value, MatchType: match}},
		}},
	}

	objects, err := b.client.QueryAddressBook(ctx, b.path, query)
	if err != nil {
		return nil, fmt.Errorf("carddav query %s: %w", b.path, err)
	}

	cards := make([]address.Info, 0, len(objects))
	for _, obj := range objects {
		cards = append(cards, cardInfo(obj.Card, c.cfg.CountryCode))
	}
	return cards, nil
}
