package helper

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// fakeElevation writes sudo and pkexec stand-ins that exec their arguments.
func fakeElevation(t *testing.T, dir string) (sudo, pkexec string) {
	t.Helper()
	sudo = writeScript(t, dir, "sudo", `[ "$1" = "-n" ] || exit 99
shift
exec "$@"
`)
	pkexec = writeScript(t, dir, "pkexec", `exec "$@"
`)
	return sudo, pkexec
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return string(data)
}

func TestSpawnViaSudo(t *testing.T) {
	dir := t.TempDir()
	sudo, pkexec := fakeElevation(t, dir)
	helperPath := writeScript(t, dir, "helper", `echo "args $*" >&2
echo "to stdout"
exit 3
`)

	slot := NewSlot()
	l := NewLauncher(Config{HelperPath: helperPath, SudoPath: sudo, PkexecPath: pkexec}, slot)

	proc, err := l.Spawn(context.Background(), "flash", "/tmp/a.iso", "/dev/sdb")
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	if proc.Path != ElevationSudo {
		t.Fatalf("expected sudo path, got %s", proc.Path)
	}
	if slot.PID() != proc.Pid {
		t.Fatalf("slot pid %d, process pid %d", slot.PID(), proc.Pid)
	}

	out := readAll(t, proc.Stderr)
	if out != "args flash /tmp/a.iso /dev/sdb\n" {
		t.Fatalf("unexpected stderr %q", out)
	}
	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if code != 3 {
		t.Fatalf("expected exit 3, got %d", code)
	}
}

func TestSpawnFallsBackToPkexec(t *testing.T) {
	dir := t.TempDir()
	_, pkexec := fakeElevation(t, dir)
	helperPath := writeScript(t, dir, "helper", `echo "args $*" >&2
`)

	l := NewLauncher(Config{
		HelperPath: helperPath,
		SudoPath:   filepath.Join(dir, "missing-sudo"),
		PkexecPath: pkexec,
	}, NewSlot())

	proc, err := l.Spawn(context.Background(), "erase", "zero", "/dev/sdc")
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	if proc.Path != ElevationPkexec {
		t.Fatalf("expected pkexec path, got %s", proc.Path)
	}
	if out := readAll(t, proc.Stderr); out != "args erase zero /dev/sdc\n" {
		t.Fatalf("argv differs on fallback path: %q", out)
	}
	if code, _ := proc.Wait(); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
}

func TestSpawnBothPathsFail(t *testing.T) {
	dir := t.TempDir()
	slot := NewSlot()
	l := NewLauncher(Config{
		HelperPath: filepath.Join(dir, "helper"),
		SudoPath:   filepath.Join(dir, "no-sudo"),
		PkexecPath: filepath.Join(dir, "no-pkexec"),
	}, slot)

	_, err := l.Spawn(context.Background(), "unmount", "/dev/sdb")
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if spawnErr.Sudo == nil || spawnErr.Pkexec == nil {
		t.Fatalf("expected both causes, got %+v", spawnErr)
	}
	if slot.PID() != 0 {
		t.Fatalf("no pid should be recorded, got %d", slot.PID())
	}
}

func TestSpawnRestrictedEnvironment(t *testing.T) {
	dir := t.TempDir()
	sudo, pkexec := fakeElevation(t, dir)
	helperPath := writeScript(t, dir, "helper", `echo "$LC_ALL" >&2
echo "${HOME:-unset}" >&2
`)

	t.Setenv("HOME", "/home/someone")
	l := NewLauncher(Config{HelperPath: helperPath, SudoPath: sudo, PkexecPath: pkexec}, nil)
	proc, err := l.Spawn(context.Background())
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	out := readAll(t, proc.Stderr)
	proc.Wait()
	if out != "C\nunset\n" {
		t.Fatalf("unexpected environment %q", out)
	}
}

func TestRunCollectsOutput(t *testing.T) {
	dir := t.TempDir()
	sudo, pkexec := fakeElevation(t, dir)
	helperPath := writeScript(t, dir, "helper", `printf 'umount: /dev/sdb1 busy\r' >&2
exit 32
`)

	slot := NewSlot()
	l := NewLauncher(Config{HelperPath: helperPath, SudoPath: sudo, PkexecPath: pkexec}, slot)
	res, err := l.Run(context.Background(), "unmount", "/dev/sdb")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.OK() || res.ExitCode != 32 {
		t.Fatalf("expected exit 32, got %d", res.ExitCode)
	}
	if len(res.Output) != 1 || res.Output[0] != "umount: /dev/sdb1 busy" {
		t.Fatalf("unexpected output %q", res.Output)
	}
	if slot.PID() != 0 {
		t.Fatalf("pid not cleared after run")
	}
}

func TestRunSudoPasswordRequired(t *testing.T) {
	dir := t.TempDir()
	sudo := writeScript(t, dir, "sudo", `echo "sudo: a password is required" >&2
exit 1
`)
	l := NewLauncher(Config{HelperPath: "/bin/true", SudoPath: sudo}, nil)

	_, err := l.Run(context.Background(), "unmount", "/dev/sdb")
	var elevErr *ElevationError
	if !errors.As(err, &elevErr) {
		t.Fatalf("expected ElevationError, got %v", err)
	}
	if elevErr.Elevation != ElevationSudo {
		t.Fatalf("unexpected elevation %s", elevErr.Elevation)
	}
}

func TestClassifyExit(t *testing.T) {
	tests := []struct {
		name      string
		elevation Elevation
		code      int
		lines     []string
		want      bool
	}{
		{"pkexec dismissed", ElevationPkexec, 126, nil, true},
		{"pkexec unauthorized", ElevationPkexec, 127, nil, true},
		{"pkexec helper failure", ElevationPkexec, 1, nil, false},
		{"sudo password", ElevationSudo, 1, []string{"sudo: a password is required"}, true},
		{"sudo helper failure", ElevationSudo, 1, []string{"dd: error writing"}, false},
		{"sudo 126 is the helper", ElevationSudo, 126, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyExit(tt.elevation, tt.code, tt.lines) != nil
			if got != tt.want {
				t.Fatalf("ClassifyExit = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestElevate(t *testing.T) {
	dir := t.TempDir()
	ok := writeScript(t, dir, "pkexec-ok", `[ "$1" = "true" ] || exit 5
`)
	denied := writeScript(t, dir, "pkexec-denied", `echo "Not authorized" >&2
exit 127
`)

	if err := NewLauncher(Config{PkexecPath: ok}, nil).Elevate(context.Background()); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	err := NewLauncher(Config{PkexecPath: denied}, nil).Elevate(context.Background())
	var elevErr *ElevationError
	if !errors.As(err, &elevErr) {
		t.Fatalf("expected ElevationError, got %v", err)
	}
	if elevErr.ExitCode != 127 || !strings.Contains(elevErr.Reason, "Not authorized") {
		t.Fatalf("unexpected error %+v", elevErr)
	}
}

func TestSlotAcquire(t *testing.T) {
	s := NewSlot()
	if err := s.Acquire(); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := s.Acquire(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	s.SetPID(42)
	s.Release()
	if s.Held() || s.PID() != 0 {
		t.Fatalf("release left state behind")
	}
	if err := s.Acquire(); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}

func TestSlotClearPID(t *testing.T) {
	s := NewSlot()
	if s.ClearPID() {
		t.Fatalf("nothing to clear")
	}
	s.SetPID(7)
	if !s.ClearPID() {
		t.Fatalf("expected pid to be cleared")
	}
	if s.ClearPID() {
		t.Fatalf("pid cleared twice")
	}
}

func TestSlotCancel(t *testing.T) {
	var signalled []int
	s := NewSlot()
	s.kill = func(pid int, sig unix.Signal) error {
		if sig != unix.SIGTERM {
			t.Fatalf("unexpected signal %v", sig)
		}
		signalled = append(signalled, pid)
		return nil
	}

	if err := s.Cancel(); err != nil {
		t.Fatalf("cancel with no helper failed: %v", err)
	}
	if len(signalled) != 0 {
		t.Fatalf("signalled with no helper running")
	}

	s.SetPID(1234)
	if err := s.Cancel(); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if len(signalled) != 1 || signalled[0] != 1234 {
		t.Fatalf("unexpected signals %v", signalled)
	}

	s.kill = func(int, unix.Signal) error { return unix.ESRCH }
	if err := s.Cancel(); err != nil {
		t.Fatalf("exited process should not be an error: %v", err)
	}

	s.kill = func(int, unix.Signal) error { return unix.EPERM }
	if err := s.Cancel(); !errors.Is(err, unix.EPERM) {
		t.Fatalf("expected EPERM, got %v", err)
	}
}

func TestCheckInstall(t *testing.T) {
	dir := t.TempDir()
	helperPath := filepath.Join(dir, "inscribe-helper")
	sudoers := filepath.Join(dir, "sudoers")
	manifest := filepath.Join(dir, "manifest.yaml")

	status, err := CheckInstall(InstallConfig{HelperPath: helperPath, SudoersPath: sudoers})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if status.OK() || status.HelperPresent || status.SudoersPresent {
		t.Fatalf("empty install reported usable: %+v", status)
	}

	body := "#!/bin/sh\n" + HelperMarker + "\nexit 0\n"
	if err := os.WriteFile(helperPath, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(sudoers, []byte("# rule\n"), 0o440); err != nil {
		t.Fatal(err)
	}
	status, err = CheckInstall(InstallConfig{HelperPath: helperPath, SudoersPath: sudoers, ManifestPath: manifest})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !status.OK() || status.DigestChecked {
		t.Fatalf("expected usable install without digest check: %+v", status)
	}

	bad := "sha256: a92f0d1ff0d1ff0d1ff0d1ff0d1ff0d1ff0d1ff0d1ff0d1ff0d1ff0d1ff0d1f\n"
	if err := os.WriteFile(manifest, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	status, err = CheckInstall(InstallConfig{HelperPath: helperPath, SudoersPath: sudoers, ManifestPath: manifest})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if status.OK() || !status.DigestChecked {
		t.Fatalf("expected digest mismatch: %+v", status)
	}

	good := "version: \"6\"\nsha256: " + strings.ToUpper(status.Digest) + "\n"
	if err := os.WriteFile(manifest, []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}
	status, err = CheckInstall(InstallConfig{HelperPath: helperPath, SudoersPath: sudoers, ManifestPath: manifest})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !status.OK() {
		t.Fatalf("expected usable install: %v", status.Problems)
	}
}

func TestCheckInstallOutdatedHelper(t *testing.T) {
	dir := t.TempDir()
	helperPath := filepath.Join(dir, "inscribe-helper")
	sudoers := filepath.Join(dir, "sudoers")
	if err := os.WriteFile(helperPath, []byte("#!/bin/sh\n# Inscribe helper v5\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(sudoers, nil, 0o440); err != nil {
		t.Fatal(err)
	}

	status, err := CheckInstall(InstallConfig{HelperPath: helperPath, SudoersPath: sudoers})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if status.OK() || status.MarkerPresent {
		t.Fatalf("outdated helper reported usable: %+v", status)
	}
}
