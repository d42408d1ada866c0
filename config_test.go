package cepa

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cepa.conf")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadConfig_Basic(t *testing.T) {
	path := writeConfig(t, `<server>
	<docroot>/var/www</docroot>
	<port>9090</port>
	<scripts path="/var/www/scripts" global="jsx" libpath="/var/www/lib">
		<script url="/echo" name="echo.jsx"/>
	</scripts>
	<modules path="/var/www/modules">
		<module url="/baz" name="baz.so"/>
	</modules>
</server>`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Docroot != "/var/www" {
		t.Errorf("Docroot = %q, want /var/www", cfg.Docroot)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Scripts == nil || len(cfg.Scripts.Scripts) != 1 || cfg.Scripts.Scripts[0].URL != "/echo" {
		t.Fatalf("Scripts = %+v, want one binding for /echo", cfg.Scripts)
	}
	if cfg.Modules == nil || len(cfg.Modules.Modules) != 1 || cfg.Modules.Modules[0].Name != "baz.so" {
		t.Fatalf("Modules = %+v, want one binding for baz.so", cfg.Modules)
	}
}

func TestLoadConfig_DefaultPort(t *testing.T) {
	path := writeConfig(t, `<server><docroot>/var/www</docroot></server>`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != defaultPort {
		t.Errorf("Port = %d, want default %d", cfg.Port, defaultPort)
	}
}

func TestLoadConfig_MissingDocroot(t *testing.T) {
	t.Run("error when the global pattern needs it", func(t *testing.T) {
		path := writeConfig(t, `<server><port>80</port><scripts path="/s" global="jsx"/></server>`)
		if _, err := LoadConfig(path); err == nil {
			t.Fatalf("expected error for missing <docroot> with a global pattern")
		}
	})

	t.Run("defaults to / otherwise", func(t *testing.T) {
		path := writeConfig(t, `<server><port>80</port><scripts path="/s"><script url="/echo" name="echo.jsx"/></scripts></server>`)
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.Docroot != defaultDocroot {
			t.Fatalf("Docroot = %q, want default %q", cfg.Docroot, defaultDocroot)
		}
	})
}

func TestLoadConfig_WrongRootElementIsError(t *testing.T) {
	path := writeConfig(t, `<notserver><docroot>/x</docroot></notserver>`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for wrong root element")
	}
}

func TestLoadConfig_PartialSSLIsError(t *testing.T) {
	path := writeConfig(t, `<server>
	<docroot>/var/www</docroot>
	<ssl><port>8443</port><cert>/c.pem</cert></ssl>
</server>`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for <ssl> missing <key>")
	}
}

func TestLoadConfig_CompleteSSL(t *testing.T) {
	path := writeConfig(t, `<server>
	<docroot>/var/www</docroot>
	<ssl><port>8443</port><cert>/c.pem</cert><key>/k.pem</key></ssl>
</server>`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.SSL == nil || cfg.SSL.Port != 8443 || cfg.SSL.Cert != "/c.pem" || cfg.SSL.Key != "/k.pem" {
		t.Fatalf("SSL = %+v", cfg.SSL)
	}
}

func TestScriptsBlock_GlobalExtension(t *testing.T) {
	t.Run("absent attribute installs nothing", func(t *testing.T) {
		path := writeConfig(t, `<server><docroot>/x</docroot><scripts path="/s"/></server>`)
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		ext, install := cfg.Scripts.GlobalExtension()
		if install {
			t.Fatalf("expected no pattern installed, got ext=%q", ext)
		}
	})

	t.Run("empty attribute defaults to jsx", func(t *testing.T) {
		path := writeConfig(t, `<server><docroot>/x</docroot><scripts path="/s" global=""/></server>`)
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		ext, install := cfg.Scripts.GlobalExtension()
		if !install || ext != defaultGlobalExt {
			t.Fatalf("ext, install = %q, %v; want %q, true", ext, install, defaultGlobalExt)
		}
	})

	t.Run("explicit extension is honored", func(t *testing.T) {
		path := writeConfig(t, `<server><docroot>/x</docroot><scripts path="/s" global="php"/></server>`)
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		ext, install := cfg.Scripts.GlobalExtension()
		if !install || ext != "php" {
			t.Fatalf("ext, install = %q, %v; want php, true", ext, install)
		}
	})
}
