package profile

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Common error messages
const (
	ErrNoCurrentProfile    = "no current profile set. Please run 'teleop profile use' to set a current profile first"
	ErrProfileNotFound     = "profile '%s' not found"
	ErrCannotDeleteCurrent = "cannot delete the currently active profile, please switch to another profile first"
)

// ProfileConfig represents the complete profile file
type ProfileConfig struct {
	Current  string             `toml:"current"`
	Profiles map[string]Profile `toml:"profiles"`
}

// Profile is one operator setup: where to connect and what to drive by default.
type Profile struct {
	ServerURL string `toml:"server_url,omitempty"`
	APIURL    string `toml:"api_url,omitempty"`
	Vehicle   string `toml:"vehicle,omitempty"`
	Camera    string `toml:"camera,omitempty"`
}

// ProfileManager manages the profile file
type ProfileManager struct {
	config ProfileConfig
	path   string
}

// NewProfileManager creates a manager for the profile file at path
func NewProfileManager(path string) *ProfileManager {
	return &ProfileManager{
		config: ProfileConfig{Profiles: make(map[string]Profile)},
		path:   path,
	}
}

// Load loads profiles from file. A missing file is an empty profile set.
func (pm *ProfileManager) Load() error {
	data, err := os.ReadFile(pm.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read profile file")
	}

	cfg := ProfileConfig{}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return errors.Wrapf(err, "failed to parse profile file %s", pm.path)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]Profile)
	}
	pm.config = cfg
	return nil
}

// Save saves profiles to file
func (pm *ProfileManager) Save() error {
	if err := os.MkdirAll(filepath.Dir(pm.path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	data, err := toml.Marshal(pm.config)
	if err != nil {
		return errors.Wrap(err, "failed to serialize profile data")
	}
	if err := os.WriteFile(pm.path, data, 0o600); err != nil {
		return errors.Wrap(err, "failed to write profile file")
	}
	return nil
}

// Add stores p under id, replacing a profile with the same id, and makes it current.
func (pm *ProfileManager) Add(id string, p Profile) (string, error) {
	id = normalizeID(id)
	pm.config.Profiles[id] = p
	pm.config.Current = id
	return id, pm.Save()
}

// Use sets the current profile
func (pm *ProfileManager) Use(id string) error {
	if len(pm.config.Profiles) == 0 {
		return errors.New("no profiles available, please add a profile first")
	}
	if _, exists := pm.config.Profiles[id]; !exists {
		return errors.Errorf(ErrProfileNotFound, id)
	}

	pm.config.Current = id
	return pm.Save()
}

// Remove removes the specified profile
func (pm *ProfileManager) Remove(id string) error {
	if _, exists := pm.config.Profiles[id]; !exists {
		return errors.Errorf(ErrProfileNotFound, id)
	}
	if id == pm.config.Current && len(pm.config.Profiles) > 1 {
		return errors.New(ErrCannotDeleteCurrent)
	}

	delete(pm.config.Profiles, id)
	if id == pm.config.Current {
		pm.config.Current = ""
	}
	return pm.Save()
}

// GetCurrent returns a copy of the current profile, or nil
func (pm *ProfileManager) GetCurrent() *Profile {
	return pm.GetProfile(pm.config.Current)
}

// GetCurrentProfileID returns the current profile id
func (pm *ProfileManager) GetCurrentProfileID() string {
	return pm.config.Current
}

// GetProfile returns a copy of the profile with the given id, or nil
func (pm *ProfileManager) GetProfile(id string) *Profile {
	if id == "" {
		return nil
	}
	if profile, exists := pm.config.Profiles[id]; exists {
		profileCopy := profile
		return &profileCopy
	}
	return nil
}

// GetProfileIDs returns the sorted profile ids
func (pm *ProfileManager) GetProfileIDs() []string {
	ids := make([]string, 0, len(pm.config.Profiles))
	for id := range pm.config.Profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List writes the profiles as a table or, with format "json", as a JSON array
func (pm *ProfileManager) List(w io.Writer, format string) error {
	if format == "json" {
		return pm.listJSON(w)
	}
	if len(pm.config.Profiles) == 0 {
		fmt.Fprintln(w, "No profiles found")
		return nil
	}
	pm.listTable(w)
	return nil
}

func (pm *ProfileManager) listTable(w io.Writer) {
	ids := pm.GetProfileIDs()

	maxIDLen, maxVehicleLen, maxServerLen := len("ID"), len("Vehicle"), len("Server")
	for _, id := range ids {
		p := pm.config.Profiles[id]
		maxIDLen = max(maxIDLen, len(id))
		maxVehicleLen = max(maxVehicleLen, len(p.Vehicle))
		maxServerLen = max(maxServerLen, len(p.ServerURL))
	}

	fmt.Fprintf(w, "  %-*s  %-*s  %-*s  %s\n", maxIDLen, "ID", maxVehicleLen, "Vehicle", maxServerLen, "Server", "Camera")
	fmt.Fprintln(w, "  "+strings.Repeat("-", maxIDLen+maxVehicleLen+maxServerLen+12))

	current := color.New(color.FgGreen)
	for _, id := range ids {
		p := pm.config.Profiles[id]
		line := fmt.Sprintf("%-*s  %-*s  %-*s  %s", maxIDLen, id, maxVehicleLen, p.Vehicle, maxServerLen, p.ServerURL, p.Camera)
		if id == pm.config.Current {
			current.Fprintln(w, "→ "+line)
		} else {
			fmt.Fprintln(w, "  "+line)
		}
	}
}

func (pm *ProfileManager) listJSON(w io.Writer) error {
	profiles := make([]map[string]interface{}, 0, len(pm.config.Profiles))
	for _, id := range pm.GetProfileIDs() {
		p := pm.config.Profiles[id]
		profiles = append(profiles, map[string]interface{}{
			"id":        id,
			"serverUrl": p.ServerURL,
			"apiUrl":    p.APIURL,
			"vehicle":   p.Vehicle,
			"camera":    p.Camera,
			"current":   id == pm.config.Current,
		})
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(profiles)
}

// normalizeID lowercases id and keeps only letters, digits and hyphens
func normalizeID(id string) string {
	normalized := strings.ToLower(strings.TrimSpace(id))
	normalized = strings.ReplaceAll(normalized, " ", "-")
	normalized = strings.ReplaceAll(normalized, "_", "-")

	var result strings.Builder
	for _, char := range normalized {
		if (char >= 'a' && char <= 'z') || (char >= '0' && char <= '9') || char == '-' {
			result.WriteRune(char)
		}
	}

	if result.Len() == 0 {
		return "default"
	}
	return result.String()
}
