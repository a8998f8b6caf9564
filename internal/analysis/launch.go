package analysis

import (
	"fmt"
	"strings"
	"time"

	"github.com/cochaviz/cellar/internal/machinery"
	"github.com/cochaviz/cellar/internal/models"
)

const (
	linuxMountPoint   = "/mnt/cellar"
	linuxMediaDevice  = "/dev/sr0"
	windowsMediaDrive = "D:"
	launchTimeout     = 2 * time.Minute
)

// launchCommand builds the guest command that starts the task target. File
// tasks expect the sample on the attached media under mediaFile.
func launchCommand(task models.Task, machine models.Machine, mediaFile string) (machinery.GuestCommand, error) {
	args := strings.Fields(task.Option("arguments", ""))
	switch strings.ToLower(machine.Platform) {
	case "linux", "":
		return linuxLaunch(task, machine, mediaFile, args), nil
	case "windows":
		return windowsLaunch(task, machine, mediaFile, args), nil
	default:
		return machinery.GuestCommand{}, fmt.Errorf("unsupported guest platform %q", machine.Platform)
	}
}

func linuxLaunch(task models.Task, machine models.Machine, mediaFile string, args []string) machinery.GuestCommand {
	var script string
	if task.Category == models.CategoryURL {
		script = fmt.Sprintf("nohup xdg-open %s >/dev/null 2>&1 &", shellQuote(task.Target))
	} else {
		device := machine.OptionValue("media_device", linuxMediaDevice)
		src := linuxMountPoint + "/" + mediaFile
		dst := "/tmp/" + mediaFile
		quoted := make([]string, 0, len(args)+1)
		quoted = append(quoted, shellQuote(dst))
		for _, arg := range args {
			quoted = append(quoted, shellQuote(arg))
		}
		script = strings.Join([]string{
			"set -e",
			"mkdir -p " + linuxMountPoint,
			fmt.Sprintf("mountpoint -q %s || mount -o ro %s %s", linuxMountPoint, shellQuote(device), linuxMountPoint),
			fmt.Sprintf("cp %s %s", shellQuote(src), shellQuote(dst)),
			"chmod +x " + shellQuote(dst),
			fmt.Sprintf("nohup %s >/dev/null 2>&1 &", strings.Join(quoted, " ")),
		}, "\n")
	}
	return machinery.GuestCommand{
		Path:    "/bin/sh",
		Args:    []string{"-c", script},
		Timeout: launchTimeout,
	}
}

func windowsLaunch(task models.Task, machine models.Machine, mediaFile string, args []string) machinery.GuestCommand {
	var line string
	if task.Category == models.CategoryURL {
		line = fmt.Sprintf(`start "" "%s"`, task.Target)
	} else {
		drive := strings.TrimSuffix(machine.OptionValue("media_drive", windowsMediaDrive), `\`)
		dst := `%TEMP%\` + mediaFile
		line = fmt.Sprintf(`copy /Y "%s\%s" "%s" && start "" "%s"`, drive, mediaFile, dst, dst)
		if len(args) > 0 {
			line += " " + strings.Join(args, " ")
		}
	}
	return machinery.GuestCommand{
		Path:    "cmd.exe",
		Args:    []string{"/c", line},
		Timeout: launchTimeout,
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
