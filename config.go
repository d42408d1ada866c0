package cepa

import (
	"encoding/xml"
	"fmt"
	"os"
)

// Config is the root of the server configuration document, an XML
// document whose root element is <server>.
type Config struct {
	XMLName xml.Name      `xml:"server"`
	Docroot string        `xml:"docroot"`
	Port    int           `xml:"port"`
	Scripts *ScriptsBlock `xml:"scripts"`
	Modules *ModulesBlock `xml:"modules"`
	SSL     *SSLBlock     `xml:"ssl"`
}

// ScriptsBlock binds URL patterns to script files and declares the
// process-wide library search path.
type ScriptsBlock struct {
	Path      string          `xml:"path,attr"`
	Global    string          `xml:"global,attr"`
	GlobalSet bool            `xml:"-"`
	Libpath   string          `xml:"libpath,attr"`
	Scripts   []ScriptBinding `xml:"script"`
}

// UnmarshalXML distinguishes an absent global attribute from one
// present but empty ("" still installs the default-extension pattern;
// a wholly absent attribute installs no pattern at all).
func (s *ScriptsBlock) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	type rawScripts ScriptsBlock
	raw := rawScripts{}
	for _, a := range start.Attr {
		if a.Name.Local == "global" {
			s.GlobalSet = true
		}
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	globalSet := s.GlobalSet
	*s = ScriptsBlock(raw)
	s.GlobalSet = globalSet
	return nil
}

// ScriptBinding is a single <script url="..." name="..."/> entry.
type ScriptBinding struct {
	URL  string `xml:"url,attr"`
	Name string `xml:"name,attr"`
}

// ModulesBlock declares the directory native modules are loaded from.
type ModulesBlock struct {
	Path    string          `xml:"path,attr"`
	Modules []ModuleBinding `xml:"module"`
}

// ModuleBinding is a single <module url="..." name="..."/> entry.
type ModuleBinding struct {
	URL  string `xml:"url,attr"`
	Name string `xml:"name,attr"`
}

// SSLBlock declares the HTTPS listener. All three fields are required
// together; a partial block is a configuration error.
type SSLBlock struct {
	Port int    `xml:"port"`
	Cert string `xml:"cert"`
	Key  string `xml:"key"`
}

const defaultPort = 8080

// defaultDocroot is used when no <docroot> element is present and
// nothing requires one.
const defaultDocroot = "/"

// defaultGlobalExt is substituted when <scripts global=""/> is present
// but empty.
const defaultGlobalExt = "jsx"

// LoadConfig reads and validates the configuration document at path.
// Failures here are configuration errors: fatal at startup.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	var cfg Config
	if err := xml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if cfg.XMLName.Local != "server" {
		return nil, fmt.Errorf("config %q: root element must be <server>", path)
	}
	if cfg.Docroot == "" {
		// <docroot> is only required when the global extension pattern
		// is installed, since that pattern resolves scripts under it.
		if _, install := cfg.Scripts.GlobalExtension(); install {
			return nil, fmt.Errorf("config %q: <docroot> is required when <scripts global> is set", path)
		}
		cfg.Docroot = defaultDocroot
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.SSL != nil {
		if cfg.SSL.Port == 0 || cfg.SSL.Cert == "" || cfg.SSL.Key == "" {
			return nil, fmt.Errorf("config %q: <ssl> requires port, cert, and key together", path)
		}
	}
	return &cfg, nil
}

// GlobalExtension returns the effective extension for the <scripts
// global="..."/> pattern and whether the pattern should be installed
// at all. A wholly absent global attribute installs no pattern; one
// present but empty defaults to "jsx".
func (s *ScriptsBlock) GlobalExtension() (ext string, install bool) {
	if s == nil || !s.GlobalSet {
		return "", false
	}
	if s.Global == "" {
		return defaultGlobalExt, true
	}
	return s.Global, true
}
