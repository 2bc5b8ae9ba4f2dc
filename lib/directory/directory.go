// Package directory implements the Directory client from spec.md §4.1: it
// resolves an SSH username to its set of authorized public keys by binding
// to an LDAP directory and searching for the user's entry. There is no
// caching — every authentication attempt re-queries the directory, exactly
// as spec.md requires.
package directory

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// usernameRegexp is the character class spec.md §4.1 allows in a username
// before it is substituted into the search filter template. Anything
// outside this set is rejected rather than escaped, since the filter
// template's placeholder substitution is literal.
var usernameRegexp = regexp.MustCompile(`^[a-z0-9._-]+$`)

// Config configures a Client.
type Config struct {
	// Address is the LDAP server address, e.g. "ldap://ldap.example.com:389".
	Address string
	// Base is the base DN to search under.
	Base string
	// SearchFilter is a filter template containing the literal placeholder
	// "{username}".
	SearchFilter string
	// BindDN is the DN the service principal binds as.
	BindDN string
	// PasswordFile is the path to a file containing the bind password. It
	// is read fresh on every lookup, matching the "no caching" policy.
	PasswordFile string
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Address == "" {
		return trace.BadParameter("LDAP address required")
	}
	if c.Base == "" {
		return trace.BadParameter("LDAP base DN required")
	}
	if !strings.Contains(c.SearchFilter, "{username}") {
		return trace.BadParameter("LDAP search filter must contain the {username} placeholder")
	}
	if c.BindDN == "" {
		return trace.BadParameter("LDAP bind DN required")
	}
	if c.PasswordFile == "" {
		return trace.BadParameter("LDAP password file required")
	}
	return nil
}

// Client resolves usernames to public keys via LDAP.
type Client struct {
	cfg Config
}

// NewClient returns a Client. The LDAP server is not contacted until
// LookupKeys is called.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg}, nil
}

// LookupKeys binds to the directory as the configured service principal,
// searches for username's entry, and parses its sshPublicKey attribute
// values as OpenSSH public keys. It returns an empty (nil) slice and no error
// if no entry matches or the entry carries no keys.
//
// Errors: DirectoryUnavailable-flavored on any bind/search transport
// failure (check with IsUnavailable), Ambiguous-flavored if more than one
// entry matches (check with IsAmbiguous).
func (c *Client) LookupKeys(username string) ([]ssh.PublicKey, error) {
	if !usernameRegexp.MatchString(username) {
		// Not a directory error: the username can never match any entry,
		// so report it the same way the SSH front end treats any other
		// lookup miss (empty key set), without touching the network.
		return nil, nil
	}

	password, err := os.ReadFile(c.cfg.PasswordFile)
	if err != nil {
		return nil, trace.Wrap(wrapUnavailable(err), "reading LDAP bind password")
	}

	conn, err := ldap.DialURL(c.cfg.Address)
	if err != nil {
		return nil, trace.Wrap(wrapUnavailable(err), "dialing LDAP server")
	}
	defer conn.Close()

	if err := conn.Bind(c.cfg.BindDN, strings.TrimSpace(string(password))); err != nil {
		return nil, trace.Wrap(wrapUnavailable(err), "binding to LDAP server")
	}

	filter := strings.ReplaceAll(c.cfg.SearchFilter, "{username}", username)
	req := ldap.NewSearchRequest(
		c.cfg.Base,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 2, 0, false,
		filter,
		[]string{"sshPublicKey"},
		nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		// With a size limit of 2, three or more matches end the search with
		// sizeLimitExceeded: that is an ambiguous username, not an outage.
		if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
			return nil, ambiguousError{username: username}
		}
		return nil, trace.Wrap(wrapUnavailable(err), "searching LDAP directory")
	}

	switch len(result.Entries) {
	case 0:
		return nil, nil
	case 1:
		// fall through
	default:
		return nil, ambiguousError{username: username}
	}

	var keys []ssh.PublicKey
	for _, raw := range result.Entries[0].GetAttributeValues("sshPublicKey") {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(raw))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

type unavailableError struct{ cause error }

func (e unavailableError) Error() string { return fmt.Sprintf("directory unavailable: %v", e.cause) }
func (e unavailableError) Unwrap() error { return e.cause }

func wrapUnavailable(err error) error { return unavailableError{cause: err} }

// IsUnavailable reports whether err indicates an LDAP transport failure.
func IsUnavailable(err error) bool {
	var e unavailableError
	return errors.As(err, &e)
}

type ambiguousError struct{ username string }

func (e ambiguousError) Error() string {
	return fmt.Sprintf("directory: more than one entry matches username %q", e.username)
}

// IsAmbiguous reports whether err indicates more than one directory entry
// matched the requested username.
func IsAmbiguous(err error) bool {
	var e ambiguousError
	return errors.As(err, &e)
}
