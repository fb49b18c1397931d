package soar

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Script identifiers and arguments are matched against allowlist patterns;
// anything containing shell metacharacters is rejected, never escaped.
var (
	scriptNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)
	argumentPattern   = regexp.MustCompile(`^[a-zA-Z0-9._:/@=,-]+$`)
)

const (
	maxScriptNameLength = 256
	maxArguments        = 64
	maxArgumentLength   = 1024
)

var shellMetacharacters = ";|&$`\\\"'<>(){}[]*?~!#\n\r\t"

var prohibitedShells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "ksh": true, "csh": true, "tcsh": true, "dash": true,
	"cmd": true, "cmd.exe": true, "powershell": true, "powershell.exe": true, "pwsh": true, "pwsh.exe": true,
}

// ValidateScriptName checks an allow-listed script identifier: no path
// traversal, no absolute paths, no metacharacters and never a shell.
func ValidateScriptName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("script name cannot be empty")
	case len(name) > maxScriptNameLength:
		return fmt.Errorf("script name exceeds maximum length of %d characters", maxScriptNameLength)
	case strings.ContainsAny(name, shellMetacharacters):
		return fmt.Errorf("script name contains prohibited shell metacharacter")
	case strings.Contains(name, ".."):
		return fmt.Errorf("script name contains path traversal sequence: ..")
	case strings.HasPrefix(name, "/"):
		return fmt.Errorf("script name must be relative to the script directory")
	case !scriptNamePattern.MatchString(name):
		return fmt.Errorf("script name contains invalid characters (allowed: a-zA-Z0-9._/-)")
	}
	if prohibitedShells[strings.ToLower(path.Base(name))] {
		return fmt.Errorf("prohibited shell command: %s", path.Base(name))
	}
	return nil
}

// ValidateScriptArguments checks every argument against the allowlist
func ValidateScriptArguments(args []string) error {
	if len(args) > maxArguments {
		return fmt.Errorf("too many arguments: %d (maximum: %d)", len(args), maxArguments)
	}
	for i, arg := range args {
		switch {
		case arg == "":
			return fmt.Errorf("argument %d is empty", i)
		case len(arg) > maxArgumentLength:
			return fmt.Errorf("argument %d exceeds maximum length of %d characters", i, maxArgumentLength)
		case strings.ContainsAny(arg, shellMetacharacters):
			return fmt.Errorf("argument %d contains prohibited shell metacharacter", i)
		case !argumentPattern.MatchString(arg):
			return fmt.Errorf("argument %d contains invalid characters (allowed: a-zA-Z0-9._:/@=,-)", i)
		}
	}
	return nil
}
