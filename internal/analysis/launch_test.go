package analysis

import (
	"strings"
	"testing"

	"github.com/cochaviz/cellar/internal/models"
)

func TestLaunchCommandLinuxFile(t *testing.T) {
	t.Parallel()

	task := models.Task{Category: models.CategoryFile, Options: map[string]string{"arguments": "--silent x'y"}}
	machine := models.Machine{Platform: "linux", Options: []string{"media_device=/dev/sr1"}}

	cmd, err := launchCommand(task, machine, "sample.elf")
	if err != nil {
		t.Fatalf("launchCommand() error = %v", err)
	}
	if cmd.Path != "/bin/sh" || len(cmd.Args) != 2 || cmd.Args[0] != "-c" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	script := cmd.Args[1]
	for _, want := range []string{
		"mount -o ro '/dev/sr1' /mnt/cellar",
		"cp '/mnt/cellar/sample.elf' '/tmp/sample.elf'",
		"chmod +x '/tmp/sample.elf'",
		`nohup '/tmp/sample.elf' '--silent' 'x'\''y' >/dev/null 2>&1 &`,
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %q:\n%s", want, script)
		}
	}
}

func TestLaunchCommandWindowsFile(t *testing.T) {
	t.Parallel()

	task := models.Task{Category: models.CategoryFile}
	machine := models.Machine{Platform: "windows", Options: []string{"media_drive=E:"}}

	cmd, err := launchCommand(task, machine, "invoice.exe")
	if err != nil {
		t.Fatalf("launchCommand() error = %v", err)
	}
	if cmd.Path != "cmd.exe" {
		t.Fatalf("Path = %q, want cmd.exe", cmd.Path)
	}
	want := `copy /Y "E:\invoice.exe" "%TEMP%\invoice.exe" && start "" "%TEMP%\invoice.exe"`
	if cmd.Args[1] != want {
		t.Fatalf("command line = %q, want %q", cmd.Args[1], want)
	}
}

func TestLaunchCommandURL(t *testing.T) {
	t.Parallel()

	task := models.Task{Category: models.CategoryURL, Target: "http://example.com/a'b"}

	linux, err := launchCommand(task, models.Machine{Platform: "linux"}, "")
	if err != nil {
		t.Fatalf("launchCommand(linux) error = %v", err)
	}
	if !strings.Contains(linux.Args[1], `xdg-open 'http://example.com/a'\''b'`) {
		t.Fatalf("linux url script = %q", linux.Args[1])
	}

	windows, err := launchCommand(task, models.Machine{Platform: "windows"}, "")
	if err != nil {
		t.Fatalf("launchCommand(windows) error = %v", err)
	}
	if windows.Args[1] != `start "" "http://example.com/a'b"` {
		t.Fatalf("windows url line = %q", windows.Args[1])
	}
}

func TestLaunchCommandUnsupportedPlatform(t *testing.T) {
	t.Parallel()

	if _, err := launchCommand(models.Task{Category: models.CategoryFile}, models.Machine{Platform: "darwin"}, "x"); err == nil {
		t.Fatal("launchCommand() error = nil, want unsupported platform error")
	}
}
