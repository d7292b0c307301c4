package carddav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-vcard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const janeCard = "BEGIN:VCARD\r\n" +
	"VERSION:3.0\r\n" +
	"FN:Jane Doe\r\n" +
	"ORG:ACME;Support\r\n" +
	"TEL;TYPE=work:030 123456\r\n" +
	"item1.TEL:+49 40 999\r\n" +
	"X-CUSTOM1:7\\, 9\r\n" +
	"END:VCARD\r\n"

func multistatusBody(cards ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?><d:multistatus xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav">`)
	for i, c := range cards {
		fmt.Fprintf(&b, `<d:response><d:href>/book/%d.vcf</d:href><d:propstat><d:prop><d:getetag>"e%d"</d:getetag>`+
			`<card:address-data>%s</card:address-data></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`, i, i, c)
	}
	b.WriteString(`</d:multistatus>`)
	return b.String()
}

type report struct {
	path  string
	depth string
	user  string
	body  string
}

type bookServer struct {
	mu      sync.Mutex
	reports []report
	books   map[string]string
}

func (s *bookServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	user, _, _ := r.BasicAuth()

	s.mu.Lock()
	s.reports = append(s.reports, report{path: r.URL.Path, depth: r.Header.Get("Depth"), user: user, body: string(body)})
	s.mu.Unlock()

	if r.Method != "REPORT" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp, ok := s.books[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusMultiStatus)
	io.WriteString(w, resp)
}

func newClient(t *testing.T, books map[string]string) (*Client, *bookServer) {
	t.Helper()
	bs := &bookServer{books: books}
	srv := httptest.NewServer(bs)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		DirectURL:    srv.URL + "/direct/",
		CompaniesURL: srv.URL + "/companies/",
		Username:     "phone",
		Password:     "secret",
		HTTPClient:   srv.Client(),
	})
	require.NoError(t, err)
	return c, bs
}

func TestLookupDirectBook(t *testing.T) {
	c, bs := newClient(t, map[string]string{
		"/direct/": multistatusBody(janeCard),
	})

	info, err := c.Lookup(context.Background(), "030 123456")
	require.NoError(t, err)

	assert.Equal(t, "Jane Doe", info.Name)
	assert.Equal(t, "ACME", info.CompanyName)
	assert.Equal(t, []string{"+4930123456", "+4940999"}, info.PhoneNumbers)
	assert.Equal(t, []string{"7", "9"}, info.RoutingDestinations)
	assert.False(t, info.IsCompany)

	require.Len(t, bs.reports, 1)
	r := bs.reports[0]
	assert.Equal(t, "/direct/", r.path)
	assert.Equal(t, "1", r.depth)
	assert.Equal(t, "phone", r.user)
	assert.Contains(t, r.body, "addressbook-query")
	assert.Contains(t, r.body, `name="TEL"`)
	assert.Contains(t, r.body, `"equals"`)
	assert.Contains(t, r.body, ">+4930123456<")
}

func TestLookupFallsBackToCompanies(t *testing.T) {
	company := "BEGIN:VCARD\nFN:ACME\nORG:ACME\nTEL:+49 30 100000\nX-CUSTOM1:12\nEND:VCARD\n"
	branch := "BEGIN:VCARD\nFN:ACME Berlin\nORG:ACME\nTEL:+49 30 123000\nX-CUSTOM1:13\nEND:VCARD\n"
	c, bs := newClient(t, map[string]string{
		"/direct/":    multistatusBody(),
		"/companies/": multistatusBody(company, branch),
	})

	info, err := c.Lookup(context.Background(), "+4930123456")
	require.NoError(t, err)

	assert.True(t, info.IsCompany)
	assert.Equal(t, "ACME Berlin", info.Name)
	assert.Equal(t, []string{"13"}, info.RoutingDestinations)

	require.Len(t, bs.reports, 2)
	assert.Equal(t, "/companies/", bs.reports[1].path)
	assert.Contains(t, bs.reports[1].body, `"starts-with"`)
	assert.Contains(t, bs.reports[1].body, ">+49301<")
}

func TestLookupUnknownCaller(t *testing.T) {
	c, _ := newClient(t, map[string]string{
		"/direct/":    multistatusBody(),
		"/companies/": multistatusBody(),
	})

	info, err := c.Lookup(context.Background(), "+4930123456")
	require.NoError(t, err)
	assert.True(t, info.Empty())
}

func TestLookupEmptyNumberSkipsServer(t *testing.T) {
	c, bs := newClient(t, nil)

	info, err := c.Lookup(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, info.Empty())
	assert.Empty(t, bs.reports)
}

func TestLookupServerError(t *testing.T) {
	c, _ := newClient(t, map[string]string{})

	_, err := c.Lookup(context.Background(), "+4930123456")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestLookupMalformedResponse(t *testing.T) {
	c, _ := newClient(t, map[string]string{"/direct/": "<d:multistatus"})

	_, err := c.Lookup(context.Background(), "+4930123456")
	require.Error(t, err)
}

func TestNewValidatesBooks(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{DirectURL: "not a url"})
	assert.Error(t, err)

	_, err = New(Config{DirectURL: "https://dav.example.com/people/", CompaniesURL: "/relative"})
	assert.Error(t, err)
}

func TestCardInfo(t *testing.T) {
	card := vcard.Card{}
	card.AddValue(vcard.FieldFormattedName, "Jane Doe")
	card.AddValue(vcard.FieldOrganization, "ACME;Support")
	card.AddValue(vcard.FieldTelephone, "tel:+49-30-123456")
	card.AddValue(vcard.FieldTelephone, "0301234")
	card.AddValue(fieldDestinations, `3\, 4`)

	info := cardInfo(card, "49")
	assert.Equal(t, "Jane Doe", info.Name)
	assert.Equal(t, "ACME", info.CompanyName)
	assert.Equal(t, []string{"+4930123456", "+49301234"}, info.PhoneNumbers)
	assert.Equal(t, []string{"3", "4"}, info.RoutingDestinations)
}

func TestSplitDestinations(t *testing.T) {
	assert.Equal(t, []string{"1", "2", "3"}, splitDestinations(`1\, 2,,3 `))
	assert.Nil(t, splitDestinations(""))
}
