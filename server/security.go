package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/danlg/zato/common"
)

// Scheme enumerates the security configurations a URL can carry.
type Scheme int

const (
	SchemeTechAccount Scheme = iota
	SchemeBasicAuth
	SchemeWSSecurity
)

var schemeNames = map[Scheme]string{
	SchemeTechAccount: "tech_acc",
	SchemeBasicAuth:   "basic_auth",
	SchemeWSSecurity:  "wss",
}

func (s Scheme) String() string {
	if name, ok := schemeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("scheme(%d)", int(s))
}

// SchemeFromString resolves the stored scheme name.
func SchemeFromString(name string) (Scheme, error) {
	for s, n := range schemeNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown security scheme: %q", name)
}

// Policy is the security definition assigned to one URL path. A policy
// is immutable once loaded; config updates install a whole new table
// rather than mutating policies in place.
type Policy struct {
	Scheme       Scheme
	Name         string // principal name
	PasswordHash string // hex sha256(password + ":" + salt)
	Salt         string
}

// URLItem ties one URL path to its transport type, target service and
// security policy.
type URLItem struct {
	URLType common.URLType
	Service string
	Policy  Policy
}

// Table maps URL paths to their configuration. Every registered path
// has at most one entry; a path absent from the table is rejected, not
// treated as open.
type Table map[string]URLItem

// SecurityStore hands out the current table to concurrent readers and
// swaps it wholesale when a config update arrives, so no reader ever
// observes a partially updated table.
type SecurityStore struct {
	table atomic.Pointer[Table]
}

func NewSecurityStore() *SecurityStore {
	s := &SecurityStore{}
	empty := Table{}
	s.table.Store(&empty)
	return s
}

// Current returns the live table snapshot.
func (s *SecurityStore) Current() Table {
	return *s.table.Load()
}

// Replace installs a fresh table.
func (s *SecurityStore) Replace(t Table) {
	s.table.Store(&t)
}

// The fixed header names of the tech-account scheme. They are part of
// the HTTP contract with clients.
const (
	HeaderZatoUser     = "X-Zato-User"
	HeaderZatoPassword = "X-Zato-Password"
)

// HashPassword computes the stored form of a secret.
func HashPassword(password, salt string) string {
	sum := sha256.Sum256([]byte(password + ":" + salt))
	return hex.EncodeToString(sum[:])
}

// Validate enforces the policy against an incoming request, dispatching
// on the scheme tag. On failure it returns a ForbiddenError whose
// client-visible message never says which credential was wrong; the
// precise cause is logged here, server-side only.
func Validate(logger zerolog.Logger, policy Policy, r *http.Request, body []byte) error {
	switch policy.Scheme {
	case SchemeTechAccount:
		return validateTechAccount(logger, policy, r)
	case SchemeBasicAuth:
		return validateBasicAuth(logger, policy, r)
	case SchemeWSSecurity:
		return validateWSSecurity(logger, policy, r, body)
	default:
		logger.Error().Str("uri", r.RequestURI).Stringer("scheme", policy.Scheme).
			Msg("unsupported security scheme")
		return &common.ForbiddenError{Reason: "unsupported security scheme"}
	}
}

func genericCredentialsError(uri, user string) *common.ForbiddenError {
	return &common.ForbiddenError{
		Reason: fmt.Sprintf("the username or password is incorrect, URI=[%s], user=[%s]", uri, user),
	}
}

func validateTechAccount(logger zerolog.Logger, policy Policy, r *http.Request) error {
	for _, header := range []string{HeaderZatoUser, HeaderZatoPassword} {
		if r.Header.Get(header) == "" {
			msg := fmt.Sprintf("the header [%s] doesn't exist or is empty, URI=[%s]", header, r.URL.Path)
			logger.Error().Str("uri", r.URL.Path).Interface("headers", r.Header).Msg(msg)
			return &common.ForbiddenError{Reason: msg}
		}
	}

	// Both checks below send the client a different message than what
	// goes into the logs, to conceal from bad-behaving users what
	// really went wrong.
	user := r.Header.Get(HeaderZatoUser)
	if user != policy.Name {
		logger.Error().Str("uri", r.URL.Path).Str("user", user).Msg("the username is incorrect")
		return genericCredentialsError(r.URL.Path, user)
	}
	return checkPassword(logger, policy, r.URL.Path, user, r.Header.Get(HeaderZatoPassword))
}

func validateBasicAuth(logger zerolog.Logger, policy Policy, r *http.Request) error {
	user, password, ok := r.BasicAuth()
	if !ok {
		msg := fmt.Sprintf("no HTTP Basic Auth credentials, URI=[%s]", r.URL.Path)
		logger.Error().Str("uri", r.URL.Path).Msg(msg)
		return &common.ForbiddenError{Reason: msg}
	}
	if user != policy.Name {
		logger.Error().Str("uri", r.URL.Path).Str("user", user).Msg("the username is incorrect")
		return genericCredentialsError(r.URL.Path, user)
	}
	return checkPassword(logger, policy, r.URL.Path, user, password)
}

// The only WS-Security password type accepted: clear text inside the
// UsernameToken, compared against the stored salted hash.
const wssePasswordTypeText = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordText"

type wsseEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Header  struct {
		Security struct {
			UsernameToken struct {
				Username string `xml:"Username"`
				Password struct {
					Type  string `xml:"Type,attr"`
					Value string `xml:",chardata"`
				} `xml:"Password"`
			} `xml:"UsernameToken"`
		} `xml:"Security"`
	} `xml:"Header"`
}

func validateWSSecurity(logger zerolog.Logger, policy Policy, r *http.Request, body []byte) error {
	var env wsseEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		msg := fmt.Sprintf("could not parse the WS-Security header, URI=[%s]", r.URL.Path)
		logger.Error().Err(err).Str("uri", r.URL.Path).Msg(msg)
		return &common.ForbiddenError{Reason: msg}
	}
	token := env.Header.Security.UsernameToken
	if token.Username == "" || token.Password.Value == "" {
		msg := fmt.Sprintf("no WS-Security UsernameToken found, URI=[%s]", r.URL.Path)
		logger.Error().Str("uri", r.URL.Path).Msg(msg)
		return &common.ForbiddenError{Reason: msg}
	}
	if token.Password.Type != wssePasswordTypeText {
		msg := fmt.Sprintf("unsupported WS-Security password type [%s], URI=[%s]", token.Password.Type, r.URL.Path)
		logger.Error().Str("uri", r.URL.Path).Msg(msg)
		return &common.ForbiddenError{Reason: msg}
	}
	if token.Username != policy.Name {
		logger.Error().Str("uri", r.URL.Path).Str("user", token.Username).Msg("the username is incorrect")
		return genericCredentialsError(r.URL.Path, token.Username)
	}
	return checkPassword(logger, policy, r.URL.Path, token.Username, token.Password.Value)
}

func checkPassword(logger zerolog.Logger, policy Policy, uri, user, password string) error {
	incoming := HashPassword(password, policy.Salt)
	if subtle.ConstantTimeCompare([]byte(incoming), []byte(policy.PasswordHash)) != 1 {
		logger.Error().Str("uri", uri).Str("user", user).Msg("the password is incorrect")
		return genericCredentialsError(uri, user)
	}
	return nil
}

// urlItemWire is the serialized form of a table entry, used both by the
// ODB snapshot and by CONFIG_UPDATE broadcast payloads.
type urlItemWire struct {
	URLType  string `json:"url_type"`
	Service  string `json:"service"`
	SecType  string `json:"sec_type"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Salt     string `json:"salt"`
}

// ParseTable builds a security table from its serialized form. Any
// malformed entry makes the whole table invalid; a half-good table must
// never be installed.
func ParseTable(raw []byte) (Table, error) {
	var wire map[string]urlItemWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &common.ConfigurationError{Msg: fmt.Sprintf("malformed security table: %v", err)}
	}
	table := make(Table, len(wire))
	for path, item := range wire {
		scheme, err := SchemeFromString(item.SecType)
		if err != nil {
			return nil, &common.ConfigurationError{Msg: fmt.Sprintf("security table entry [%s]: %v", path, err)}
		}
		urlType := common.URLType(item.URLType)
		if urlType != common.URLTypeSOAP && urlType != common.URLTypePlainHTTP {
			return nil, &common.ConfigurationError{Msg: fmt.Sprintf("security table entry [%s]: unknown url_type %q", path, item.URLType)}
		}
		table[path] = URLItem{
			URLType: urlType,
			Service: item.Service,
			Policy: Policy{
				Scheme:       scheme,
				Name:         item.Name,
				PasswordHash: item.Password,
				Salt:         item.Salt,
			},
		}
	}
	return table, nil
}
