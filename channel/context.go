// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package channel

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mamba-org/mamba/spec"
)

func isKnownPlatform(s string) bool { return spec.IsKnownSubdir(s) }

// DefaultChannelAlias is where bare channel names resolve when no alias is
// configured.
const DefaultChannelAlias = "https://conda.anaconda.org"

// DefaultsName is the reserved multichannel expanded from anaconda's default
// channels.
const DefaultsName = "defaults"

// LocalName is the reserved multichannel of local build directories.
const LocalName = "local"

// Config collects everything a Context needs. A zero Config yields anaconda
// defaults.
type Config struct {
	// ChannelAlias is the url prefix for bare channel names.
	ChannelAlias string

	// CustomChannels maps channel names to their base urls. Lookup weakens
	// by path segment, so an entry for "a/b" serves "a/b/c".
	CustomChannels map[string]string

	// CustomMultiChannels maps a multichannel name to the channel names it
	// expands into, in priority order.
	CustomMultiChannels map[string][]string

	// WhitelistChannels, when non-empty, restricts resolution to channels
	// whose base url appears in it.
	WhitelistChannels []string

	// AuthRecords maps credential-free url prefixes to fallback
	// credentials.
	AuthRecords map[string]Credential

	// Platform is the native subdir ("linux-64"); resolution defaults each
	// channel to [Platform, "noarch"].
	Platform string

	// LocalBuildRoot is scanned for conda-bld output dirs backing the
	// "local" multichannel. Optional.
	LocalBuildRoot string

	Logger *logrus.Logger
}

// Context resolves user-facing channel identifiers into Channels. It is
// fully initialized by NewContext and immutable afterwards; a process that
// changes configuration constructs a fresh Context.
type Context struct {
	alias      Channel
	custom     channelTrie
	customKeys []string
	multi      map[string][]Channel
	whitelist  map[string]bool
	auth       *authDB
	platforms  []string
	log        *logrus.Logger
}

// NewContext builds a Context from cfg, filling in anaconda defaults for
// anything unset.
func NewContext(cfg Config) (*Context, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	aliasURL := cfg.ChannelAlias
	if aliasURL == "" {
		aliasURL = DefaultChannelAlias
	}
	alias, err := parseURLChannel(aliasURL)
	if err != nil {
		return nil, err
	}

	platform := cfg.Platform
	if platform == "" {
		platform = nativeSubdir()
	}

	cc := &Context{
		alias:     alias,
		custom:    newChannelTrie(),
		multi:     make(map[string][]Channel),
		auth:      newAuthDB(),
		platforms: []string{platform, "noarch"},
		log:       log,
	}

	for prefix, cred := range cfg.AuthRecords {
		cc.auth.add(prefix, cred)
	}

	// Default channels live on repo.anaconda.com under fixed names; user
	// config may shadow them.
	defaults := []string{"pkgs/main", "pkgs/r"}
	if strings.HasPrefix(platform, "win-") {
		defaults = append(defaults, "pkgs/msys2")
	}
	for _, name := range defaults {
		cc.insertCustom(name, Channel{
			Scheme:    "https",
			Location:  "repo.anaconda.com",
			Name:      name,
			canonical: name,
		})
	}
	for name, u := range cfg.CustomChannels {
		ch, err := parseURLChannel(strings.TrimRight(u, "/"))
		if err != nil {
			return nil, err
		}
		ch.canonical = name
		cc.insertCustom(name, ch)
	}

	var defaultNames []string
	for _, n := range defaults {
		defaultNames = append(defaultNames, n)
	}
	multis := map[string][]string{DefaultsName: defaultNames}
	if locals := localBuildChannels(cfg.LocalBuildRoot); len(locals) > 0 {
		multis[LocalName] = locals
	}
	for name, members := range cfg.CustomMultiChannels {
		multis[name] = members
	}
	for name, members := range multis {
		chans := make([]Channel, 0, len(members))
		for _, m := range members {
			ch, err := cc.resolveOne(m)
			if err != nil {
				return nil, err
			}
			ch.canonical = name
			chans = append(chans, ch)
		}
		cc.multi[name] = chans
	}

	if len(cfg.WhitelistChannels) > 0 {
		cc.whitelist = make(map[string]bool, len(cfg.WhitelistChannels))
		for _, w := range cfg.WhitelistChannels {
			chans, err := cc.resolve(w)
			if err != nil {
				return nil, err
			}
			for _, ch := range chans {
				cc.whitelist[ch.BaseURL()] = true
			}
		}
	}

	return cc, nil
}

func (cc *Context) insertCustom(name string, ch Channel) {
	if _, had := cc.custom.Get(name); !had {
		cc.customKeys = append(cc.customKeys, name)
	}
	cc.custom.Insert(name, ch)
	sort.Strings(cc.customKeys)
}

// DefaultPlatforms returns the subdirs a channel expands to when it does not
// restrict platforms: the native platform plus noarch.
func (cc *Context) DefaultPlatforms() []string {
	out := make([]string, len(cc.platforms))
	copy(out, cc.platforms)
	return out
}

// Resolve turns a channel identifier — name, url, path, or multichannel —
// into its Channels, applying the whitelist.
func (cc *Context) Resolve(value string) ([]Channel, error) {
	cc.log.WithField("value", value).Debug("resolving channel")
	chans, err := cc.resolve(value)
	if err != nil {
		return nil, err
	}
	if cc.whitelist != nil {
		for _, ch := range chans {
			if !cc.whitelist[ch.BaseURL()] {
				return nil, &NotAllowedError{Channel: ch.CanonicalName(), URL: ch.BaseURL()}
			}
		}
	}
	return chans, nil
}

func (cc *Context) resolve(value string) ([]Channel, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return []Channel{{canonical: UnknownChannel}}, nil
	}
	if multi, ok := cc.multi[value]; ok {
		out := make([]Channel, len(multi))
		copy(out, multi)
		return out, nil
	}
	ch, err := cc.resolveOne(value)
	if err != nil {
		return nil, err
	}
	return []Channel{ch}, nil
}

func (cc *Context) resolveOne(value string) (Channel, error) {
	switch {
	case hasScheme(value):
		return cc.resolveURL(value)
	case isPathLike(value):
		return cc.resolvePath(value)
	default:
		return cc.resolveName(value)
	}
}

func hasScheme(s string) bool {
	for _, scheme := range []string{"http://", "https://", "file://", "ftp://", "s3://"} {
		if strings.HasPrefix(s, scheme) {
			return true
		}
	}
	return false
}

func isPathLike(s string) bool {
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./") ||
		strings.HasPrefix(s, "../") || strings.HasPrefix(s, "~/") ||
		s == "." || s == ".." || s == "~"
}

// resolvePath handles filesystem channels: expand ~, absolutize, convert to
// file:// form.
func (cc *Context) resolvePath(value string) (Channel, error) {
	p := value
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Channel{}, err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return Channel{}, err
	}
	abs = filepath.ToSlash(abs)

	var pkgFn string
	if isPackageFilename(abs) {
		pkgFn = abs[strings.LastIndex(abs, "/")+1:]
		abs = abs[:strings.LastIndex(abs, "/")]
	}

	name := abs[strings.LastIndex(abs, "/")+1:]
	loc := strings.TrimSuffix(abs, "/"+name)
	return Channel{
		Scheme:          "file",
		Location:        strings.TrimPrefix(loc, "/"),
		Name:            name,
		PackageFilename: pkgFn,
		canonical:       "file://" + abs,
	}, nil
}

func isPackageFilename(s string) bool {
	return strings.HasSuffix(s, ".tar.bz2") || strings.HasSuffix(s, ".conda")
}

// resolveURL handles explicit urls: embedded credentials are extracted, then
// the url is matched against custom channels, then against the alias; the
// remainder names the channel.
func (cc *Context) resolveURL(value string) (Channel, error) {
	ch, err := parseURLChannel(value)
	if err != nil {
		return Channel{}, err
	}

	// Fallback credentials by prefix weakening over the credential-free
	// url.
	if ch.Token == "" && ch.Auth == "" {
		if cred, ok := cc.auth.lookup(stripScheme(ch.BaseURL())); ok {
			switch c := cred.(type) {
			case TokenAuth:
				ch.Token = c.Token
			case BasicAuth:
				ch.Auth = c.User + ":" + c.Password
			}
		}
	}

	// Custom channel match: host and port exact, path a prefix.
	for _, name := range cc.customKeys {
		cu, _ := cc.custom.Get(name)
		if cu.Location != ch.Location {
			continue
		}
		if ch.Name == cu.Name || strings.HasPrefix(ch.Name, cu.Name+"/") {
			ch.canonical = cu.canonical
			if cu.canonical == "" {
				ch.canonical = name
			}
			return ch, nil
		}
	}

	// Alias match: strip the alias prefix and use the remainder as the
	// name.
	if ch.Location == cc.alias.Location && ch.Scheme == cc.alias.Scheme {
		ch.canonical = ch.Name
		return ch, nil
	}

	ch.canonical = ch.BaseURL()
	return ch, nil
}

// resolveName handles bare names: custom channels with segment weakening,
// then the channel alias.
func (cc *Context) resolveName(value string) (Channel, error) {
	name := strings.Trim(value, "/")
	var platform string
	if i := strings.LastIndex(name, "/"); i >= 0 && isKnownPlatform(name[i+1:]) {
		platform = name[i+1:]
		name = name[:i]
	}

	probe := name
	for probe != "" {
		if base, ok := cc.custom.Get(probe); ok {
			ch := base
			if rest := strings.TrimPrefix(name, probe); rest != "" {
				ch.Name = base.Name + rest
			}
			if ch.canonical == "" {
				ch.canonical = name
			}
			if platform != "" {
				ch.Platforms = []string{platform, "noarch"}
			}
			return ch, nil
		}
		i := strings.LastIndex(probe, "/")
		if i < 0 {
			break
		}
		probe = probe[:i]
	}

	ch := Channel{
		Scheme:    cc.alias.Scheme,
		Location:  cc.alias.Location,
		Name:      name,
		Token:     cc.alias.Token,
		Auth:      cc.alias.Auth,
		canonical: name,
	}
	if ch.Token == "" && ch.Auth == "" {
		if cred, ok := cc.auth.lookup(stripScheme(ch.BaseURL())); ok {
			switch c := cred.(type) {
			case TokenAuth:
				ch.Token = c.Token
			case BasicAuth:
				ch.Auth = c.User + ":" + c.Password
			}
		}
	}
	if platform != "" {
		ch.Platforms = []string{platform, "noarch"}
	}
	return ch, nil
}

// parseURLChannel breaks a url into a Channel, extracting embedded
// user:password and /t/<token>/ credentials.
func parseURLChannel(u string) (Channel, error) {
	scheme, rest, err := splitSchemeLocation(u)
	if err != nil {
		return Channel{}, err
	}

	var auth string
	if i := strings.Index(rest, "@"); i >= 0 && strings.Index(rest, "/") > i {
		auth = rest[:i]
		rest = rest[i+1:]
	} else if i >= 0 && strings.Index(rest, "/") < 0 {
		auth = rest[:i]
		rest = rest[i+1:]
	}

	host := rest
	var path string
	if i := strings.Index(rest, "/"); i >= 0 {
		host, path = rest[:i], strings.Trim(rest[i:], "/")
	}

	var token string
	if strings.HasPrefix(path, "t/") {
		seg := strings.SplitN(path, "/", 3)
		if len(seg) >= 2 {
			token = seg[1]
			if len(seg) == 3 {
				path = seg[2]
			} else {
				path = ""
			}
		}
	}

	var pkgFn string
	if isPackageFilename(path) {
		i := strings.LastIndex(path, "/")
		pkgFn = path[i+1:]
		path = strings.Trim(path[:i+1], "/")
	}

	// A trailing known platform belongs to the channel's platform
	// restriction, not its name.
	var platforms []string
	if i := strings.LastIndex(path, "/"); isKnownPlatform(path[i+1:]) {
		platforms = []string{path[i+1:], "noarch"}
		path = strings.Trim(path[:i+1], "/")
	}

	return Channel{
		Scheme:          scheme,
		Location:        host,
		Name:            path,
		Token:           token,
		Auth:            auth,
		Platforms:       platforms,
		PackageFilename: pkgFn,
	}, nil
}

func stripScheme(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		return u[i+3:]
	}
	return u
}

func nativeSubdir() string {
	switch runtime.GOOS {
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "osx-arm64"
		}
		return "osx-64"
	case "windows":
		if runtime.GOARCH == "arm64" {
			return "win-arm64"
		}
		return "win-64"
	default:
		switch runtime.GOARCH {
		case "arm64":
			return "linux-aarch64"
		case "ppc64le":
			return "linux-ppc64le"
		case "s390x":
			return "linux-s390x"
		default:
			return "linux-64"
		}
	}
}

// localBuildChannels lists existing conda-bld output dirs under root.
func localBuildChannels(root string) []string {
	if root == "" {
		return nil
	}
	bld := filepath.Join(root, "conda-bld")
	if fi, err := os.Stat(bld); err != nil || !fi.IsDir() {
		return nil
	}
	return []string{bld}
}
