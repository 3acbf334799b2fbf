// Package updater implements the pull side of firmware updates: version
// discovery from a manifest or a release feed and streaming the selected
// image into the update engine.
package updater

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ryanuber/go-glob"
	"github.com/samber/lo"

	"github.com/lumatrix/lumatrix/pkg/ledger"
	"github.com/lumatrix/lumatrix/pkg/update"
	"github.com/lumatrix/lumatrix/pkg/utils"
)

// Candidate is the outcome of a version check.
type Candidate struct {
	Version   string
	BuildID   string
	BuildDate string
	URL       string
	Available bool
}

type manifest struct {
	Version   string `json:"version"`
	BuildID   string `json:"build_id"`
	BuildDate string `json:"build_date"`
	Firmware  map[string]struct {
		URL string `json:"url"`
	} `json:"firmware"`
}

type release struct {
	TagName string  `json:"tag_name"`
	Assets  []asset `json:"assets"`
}

type asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// Updater checks for newer firmware and applies it through the engine.
type Updater struct {
	// Engine receives the downloaded image.
	Engine *update.Engine

	// Current is the running firmware version.
	Current string

	// Board selects matching firmware assets.
	Board string

	// Boards lists all known board variants so a base board never picks
	// up the image of a more specific one.
	Boards []string

	// ManifestURL points to a firmware manifest, optional.
	ManifestURL string

	// ReleasesURL points to a latest release feed, used when no manifest
	// is configured or the manifest check fails.
	ReleasesURL string

	// Ledger records versions that failed to apply, optional.
	Ledger *ledger.Ledger

	// Client overrides the HTTP client.
	Client *http.Client

	// Out receives log messages.
	Out io.Writer
}

// CompareVersions returns whether version a is newer than version b. The
// comparison is a plain semantic major.minor.patch compare, missing
// parts count as zero.
func CompareVersions(a, b string) bool {
	aMajor, aMinor, aPatch := splitVersion(a)
	bMajor, bMinor, bPatch := splitVersion(b)

	if aMajor != bMajor {
		return aMajor > bMajor
	}
	if aMinor != bMinor {
		return aMinor > bMinor
	}

	return aPatch > bPatch
}

func splitVersion(v string) (int, int, int) {
	var major, minor, patch int
	_, _ = fmt.Sscanf(v, "%d.%d.%d", &major, &minor, &patch)
	return major, minor, patch
}

// ExtractVersion strips a leading v or V from a release tag.
func ExtractVersion(tag string) string {
	if strings.HasPrefix(tag, "v") || strings.HasPrefix(tag, "V") {
		return tag[1:]
	}

	return tag
}

// Check will determine the latest available firmware version. The
// manifest is consulted first, the release feed serves as fallback.
func (u *Updater) Check() (*Candidate, error) {
	// prefer the manifest
	if u.ManifestURL != "" {
		c, err := u.checkManifest()
		if err == nil {
			return c, nil
		}
		utils.Logf(u.Out, "updater: manifest check failed: %s", err.Error())
	}

	// fall back to the release feed
	if u.ReleasesURL == "" {
		return nil, errors.New("no update source configured")
	}

	return u.checkReleases()
}

// Run will check for a newer version and apply it. A version that is
// recorded as failed is skipped until the ledger is cleared.
func (u *Updater) Run() error {
	// check for updates
	c, err := u.Check()
	if err != nil {
		return err
	}
	if !c.Available {
		utils.Logf(u.Out, "updater: up to date at %s", u.Current)
		return nil
	}

	// skip a version that already failed once
	if u.Ledger != nil {
		failed, err := u.Ledger.Failed()
		if err == nil && failed != "" && failed == c.Version {
			utils.Logf(u.Out, "updater: skipping failed version %s", c.Version)
			return nil
		}
	}

	return u.Apply(c)
}

// Apply will download the candidate image and stream it into the engine.
// A failure is recorded in the ledger, a success clears it.
func (u *Updater) Apply(c *Candidate) error {
	utils.Logf(u.Out, "updater: downloading %s", c.URL)

	// fetch image
	resp, err := u.client().Get(c.URL)
	if err != nil {
		u.recordFailure(c.Version)
		return err
	}
	defer resp.Body.Close()

	// check response
	if resp.StatusCode != http.StatusOK {
		u.recordFailure(c.Version)
		return fmt.Errorf("unexpected download status: %s", resp.Status)
	}
	if resp.ContentLength <= 0 {
		u.recordFailure(c.Version)
		return update.ErrNoLength
	}

	// stream image through the engine
	u.Engine.SetLabel(c.Version)
	err = u.Engine.Stream(resp.Body, resp.ContentLength)
	if err != nil {
		u.recordFailure(c.Version)
		return err
	}

	// forget earlier failures
	if u.Ledger != nil {
		_ = u.Ledger.ClearFailed()
	}
	utils.Logf(u.Out, "updater: applied %s", c.Version)

	return nil
}

func (u *Updater) checkManifest() (*Candidate, error) {
	// fetch manifest
	resp, err := u.client().Get(u.ManifestURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected manifest status: %s", resp.Status)
	}

	// decode manifest
	var m manifest
	err = json.NewDecoder(resp.Body).Decode(&m)
	if err != nil {
		return nil, err
	}

	// a manifest must carry a version and an image for this board
	if m.Version == "" {
		return nil, errors.New("no version in manifest")
	}
	fw, ok := m.Firmware[u.Board]
	if !ok || fw.URL == "" {
		return nil, fmt.Errorf("missing %s firmware in manifest", u.Board)
	}

	return &Candidate{
		Version:   m.Version,
		BuildID:   m.BuildID,
		BuildDate: m.BuildDate,
		URL:       fw.URL,
		Available: CompareVersions(m.Version, u.Current),
	}, nil
}

func (u *Updater) checkReleases() (*Candidate, error) {
	// fetch latest release
	req, err := http.NewRequest(http.MethodGet, u.ReleasesURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	resp, err := u.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected release status: %s", resp.Status)
	}

	// decode release
	var r release
	err = json.NewDecoder(resp.Body).Decode(&r)
	if err != nil {
		return nil, err
	}

	// select the best matching firmware asset
	best := lo.MaxBy(r.Assets, func(a, b asset) bool {
		return u.assetPriority(a.Name) > u.assetPriority(b.Name)
	})
	if u.assetPriority(best.Name) == 0 {
		return nil, errors.New("missing firmware asset in release")
	}

	version := ExtractVersion(r.TagName)

	return &Candidate{
		Version:   version,
		URL:       best.BrowserDownloadURL,
		Available: CompareVersions(version, u.Current),
	}, nil
}

// assetPriority ranks a release asset for this board. Board specific
// images beat the generic firmware.bin, anything else is ignored.
func (u *Updater) assetPriority(name string) int {
	name = strings.ToLower(name)

	// only firmware binaries qualify
	if !strings.HasSuffix(name, ".bin") {
		return 0
	}
	if strings.Contains(name, "bootstrap") {
		return 0
	}
	if !strings.Contains(name, "firmware") {
		return 0
	}

	// a board match wins unless a more specific variant name matches too
	priority := 0
	board := strings.ToLower(u.Board)
	if glob.Glob("*"+board+"*", name) && !u.matchesOtherBoard(name, board) {
		priority = 200
	}

	// the generic image is a last resort
	if name == "firmware.bin" && priority < 50 {
		priority = 50
	}

	return priority
}

func (u *Updater) matchesOtherBoard(name, board string) bool {
	for _, b := range u.Boards {
		b = strings.ToLower(b)
		if b == board {
			continue
		}
		if strings.Contains(b, board) && glob.Glob("*"+b+"*", name) {
			return true
		}
	}

	return false
}

func (u *Updater) recordFailure(version string) {
	if u.Ledger != nil {
		_ = u.Ledger.RecordFailed(version)
	}
}

func (u *Updater) client() *http.Client {
	if u.Client != nil {
		return u.Client
	}

	return http.DefaultClient
}
