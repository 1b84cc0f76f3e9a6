package profilestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/model"
)

func newTestProfile(name string) model.Profile {
	return model.Profile{
		Name: name,
		Connection: model.Connection{
			Host:     "example.com",
			Port:     22,
			User:     "deploy",
			AuthType: model.AuthKey,
		},
		Forwarding: model.Forwarding{
			Type:        model.ForwardLocal,
			BindAddress: "127.0.0.1",
			LocalPort:   8080,
			RemoteHost:  "internal-db",
			RemotePort:  5432,
		},
		Options: model.DefaultOptions(),
	}
}

func TestSave_AssignsIDAndPersists(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	saved, err := store.Save(newTestProfile("prod-db"), false)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("Save did not assign an id")
	}
	if saved.CreatedAt.IsZero() || saved.UpdatedAt.IsZero() {
		t.Fatal("Save did not stamp CreatedAt/UpdatedAt")
	}

	path := filepath.Join(dir, saved.ID+".toml")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("profile file not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("profile file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestSave_DuplicateNameRejectedWithoutOverwrite(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := store.Save(newTestProfile("staging"), false); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	_, err = store.Save(newTestProfile("staging"), false)
	if !errors.Is(err, model.ErrDuplicateName) {
		t.Fatalf("second Save error = %v, want ErrDuplicateName", err)
	}
}

func TestSave_InvalidProfileRejected(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	bad := newTestProfile("broken")
	bad.Connection.Port = 0
	if _, err := store.Save(bad, false); !errors.Is(err, model.ErrInvalidProfile) {
		t.Fatalf("Save error = %v, want ErrInvalidProfile", err)
	}
}

func TestLoadByID_And_LoadByName(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	saved, err := store.Save(newTestProfile("bastion"), false)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	byID, err := store.LoadByID(saved.ID)
	if err != nil {
		t.Fatalf("LoadByID: %v", err)
	}
	if byID.Name != "bastion" {
		t.Fatalf("LoadByID returned name %q, want bastion", byID.Name)
	}

	byName, err := store.LoadByName("bastion")
	if err != nil {
		t.Fatalf("LoadByName: %v", err)
	}
	if byName.ID != saved.ID {
		t.Fatalf("LoadByName returned id %q, want %q", byName.ID, saved.ID)
	}

	if !store.ExistsByName("bastion") {
		t.Fatal("ExistsByName(bastion) = false, want true")
	}
	if store.ExistsByName("nope") {
		t.Fatal("ExistsByName(nope) = true, want false")
	}

	if _, err := store.LoadByID("does-not-exist"); !errors.Is(err, model.ErrProfileNotFound) {
		t.Fatalf("LoadByID(missing) error = %v, want ErrProfileNotFound", err)
	}
}

func TestDeleteByID(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	saved, err := store.Save(newTestProfile("scratch"), false)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := store.DeleteByID(saved.ID); err != nil {
		t.Fatalf("DeleteByID: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, saved.ID+".toml")); !os.IsNotExist(err) {
		t.Fatal("profile file still exists after DeleteByID")
	}
	if err := store.DeleteByID(saved.ID); !errors.Is(err, model.ErrProfileNotFound) {
		t.Fatalf("second DeleteByID error = %v, want ErrProfileNotFound", err)
	}
}

func TestOpen_LoadsExistingFilesAndSkipsInvalid(t *testing.T) {
	dir := t.TempDir()

	seed, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open (seed): %v", err)
	}
	if _, err := seed.Save(newTestProfile("keeper"), false); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "garbage.toml"), []byte("not = [valid"), 0o600); err != nil {
		t.Fatalf("write garbage file: %v", err)
	}

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open (reload): %v", err)
	}
	profiles := reopened.List()
	if len(profiles) != 1 || profiles[0].Name != "keeper" {
		t.Fatalf("List() = %+v, want exactly [keeper]", profiles)
	}
}

func TestResolveHybrid_RejectsAbsoluteKeyPath(t *testing.T) {
	p := newTestProfile("hybrid")
	p.Connection.KeyPath = "/etc/passwd"

	_, err := ResolveHybrid(p)
	if !errors.Is(err, model.ErrAbsoluteKeyPathRejected) {
		t.Fatalf("ResolveHybrid error = %v, want ErrAbsoluteKeyPathRejected", err)
	}
}

func TestResolveHybrid_ResolvesRelativeKeyPathUnderHome(t *testing.T) {
	p := newTestProfile("hybrid")
	p.Connection.KeyPath = "id_ed25519"

	resolved, err := ResolveHybrid(p)
	if err != nil {
		t.Fatalf("ResolveHybrid: %v", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir: %v", err)
	}
	want := filepath.Join(home, ".ssh", "id_ed25519")
	if resolved.Connection.KeyPath != want {
		t.Fatalf("resolved key_path = %q, want %q", resolved.Connection.KeyPath, want)
	}
}

func TestResolveHybrid_RejectsPathTraversalViaBase(t *testing.T) {
	p := newTestProfile("hybrid")
	p.Connection.KeyPath = "../../etc/passwd"

	resolved, err := ResolveHybrid(p)
	if err != nil {
		t.Fatalf("ResolveHybrid: %v", err)
	}
	if filepath.Base(resolved.Connection.KeyPath) != "passwd" {
		t.Fatalf("expected traversal to be stripped to base filename, got %q", resolved.Connection.KeyPath)
	}
	home, _ := os.UserHomeDir()
	if filepath.Dir(resolved.Connection.KeyPath) != filepath.Join(home, ".ssh") {
		t.Fatalf("resolved key_path escaped ~/.ssh: %q", resolved.Connection.KeyPath)
	}
}
