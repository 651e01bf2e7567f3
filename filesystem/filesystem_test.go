/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Sat Mar 16 11:10:02 2019 mstenber
 * Last modified: Sat Mar 16 13:21:40 2019 mstenber
 * Edit time:     71 min
 *
 */

package filesystem

import (
	"bytes"
	"context"
	"testing"

	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/objmgr"
	"github.com/fingon/go-lsfs/storage"
	"github.com/fingon/go-lsfs/storage/inmemory"
	"github.com/fingon/go-lsfs/store"
	"github.com/fingon/go-lsfs/transaction"
	"github.com/stvp/assert"
)

func init() {
	objmgr.Paranoid = true
}

const testDeviceSize = 16 << 20

func ProdConfig(be storage.Backend) Configuration {
	return Configuration{Backend: be,
		DeviceSize: testDeviceSize,
		Password:   "sekrit",
		Iterations: 10,
	}
}

func ProdFilesystem(t *testing.T) (*Filesystem, Configuration) {
	config := ProdConfig(inmemory.NewInMemoryBackend())
	fs, err := Format(context.Background(), config)
	assert.Nil(t, err)
	return fs, config
}

func mount(t *testing.T, config Configuration) *Filesystem {
	fs, err := Mount(context.Background(), config)
	assert.Nil(t, err)
	return fs
}

func writeFile(t *testing.T, fs *Filesystem, vol *store.ObjectStore, name string, data []byte) uint64 {
	ctx := context.Background()
	txn := transaction.New(fs.Journal(), transaction.MetadataReservation{Mode: transaction.Borrowed})
	defer txn.Close()
	id, err := vol.RootDirectory().CreateFile(txn, name)
	assert.Nil(t, err)
	_, err = txn.Commit(ctx)
	assert.Nil(t, err)
	_, err = vol.WriteData(ctx, txn, id, data)
	assert.Nil(t, err)
	_, err = txn.Commit(ctx)
	assert.Nil(t, err)
	return id
}

func readFile(t *testing.T, vol *store.ObjectStore, name string) []byte {
	ctx := context.Background()
	e, found, err := vol.RootDirectory().Lookup(ctx, name)
	assert.Nil(t, err)
	assert.True(t, found)
	assert.Equal(t, e.Descriptor, objmgr.DescriptorFile)
	data, err := vol.ReadData(ctx, e.ObjectID)
	assert.Nil(t, err)
	return data
}

func checkReservation(t *testing.T, fs *Filesystem) {
	st := fs.Stats().ObjectManager
	assert.Equal(t, st.MetadataReservation+st.BorrowedMetadataSpace, st.RequiredReservation)
	assert.Equal(t, fs.Allocator().Reserved(), st.MetadataReservation)
}

func TestFormatMount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, config := ProdFilesystem(t)
	checkReservation(t, fs)
	guid := fs.Stats().GUID
	assert.True(t, guid != "")
	vols, err := fs.Volumes(ctx)
	assert.Nil(t, err)
	assert.Equal(t, len(vols), 0)

	// Everything was flushed by the format
	assert.Equal(t, fs.Stats().ObjectManager.DependentObjects, 0)

	_, err = Format(ctx, config)
	assert.True(t, fserrors.Is(err, fserrors.ErrAlreadyExists))
	assert.Nil(t, fs.Close(ctx))

	fs = mount(t, config)
	st := fs.Stats()
	assert.Equal(t, st.GUID, guid)
	assert.Equal(t, st.DeviceSize, uint64(testDeviceSize))
	assert.Equal(t, fs.RootStore().StoreObjectID(), RootStoreObjectID)
	checkReservation(t, fs)
	assert.Nil(t, fs.Close(ctx))
}

func TestMountUnformatted(t *testing.T) {
	t.Parallel()
	_, err := Mount(context.Background(), ProdConfig(inmemory.NewInMemoryBackend()))
	assert.True(t, fserrors.Is(err, fserrors.ErrNotFound))
}

func TestFormatInvalid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	config := ProdConfig(inmemory.NewInMemoryBackend())
	config.DeviceSize = 12345
	_, err := Format(ctx, config)
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidArgument))

	config.DeviceSize = 0
	config.Compression = "bogus"
	_, err = Format(ctx, config)
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidArgument))
}

func TestVolumes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, config := ProdFilesystem(t)
	b, err := fs.CreateVolume(ctx, "b", false)
	assert.Nil(t, err)
	a, err := fs.CreateVolume(ctx, "a", false)
	assert.Nil(t, err)
	assert.True(t, a.StoreObjectID() > b.StoreObjectID())
	assert.True(t, b.StoreObjectID() >= store.FirstObjectID)

	_, err = fs.CreateVolume(ctx, "a", false)
	assert.True(t, fserrors.Is(err, fserrors.ErrAlreadyExists))
	_, err = fs.CreateVolume(ctx, "", false)
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidArgument))

	vols, err := fs.Volumes(ctx)
	assert.Nil(t, err)
	assert.Equal(t, len(vols), 2)
	assert.Equal(t, vols[0].Name, "a")
	assert.Equal(t, vols[1].Name, "b")
	assert.Equal(t, vols[1].ObjectID, b.StoreObjectID())
	assert.True(t, fs.ObjectManager().NeedsFlush(RootStoreObjectID))

	data := []byte("hello world")
	writeFile(t, fs, a, "greeting", data)
	assert.Equal(t, readFile(t, a, "greeting"), data)
	assert.True(t, fs.Allocator().Used() > 0)
	checkReservation(t, fs)

	_, err = fs.OpenVolume(ctx, "nope")
	assert.True(t, fserrors.Is(err, fserrors.ErrNotFound))
	assert.Nil(t, fs.Close(ctx))

	fs = mount(t, config)
	a, err = fs.OpenVolume(ctx, "a")
	assert.Nil(t, err)
	assert.Equal(t, a.State(), store.Unencrypted)
	assert.Equal(t, readFile(t, a, "greeting"), data)
	vols, err = fs.Volumes(ctx)
	assert.Nil(t, err)
	assert.Equal(t, len(vols), 2)
	checkReservation(t, fs)

	// New ids do not collide with the ones handed out before
	c, err := fs.CreateVolume(ctx, "c", false)
	assert.Nil(t, err)
	assert.True(t, c.StoreObjectID() > a.StoreObjectID())
	assert.Nil(t, fs.Close(ctx))
}

func TestRemountWithoutFlush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, config := ProdFilesystem(t)
	vol, err := fs.CreateVolume(ctx, "v", false)
	assert.Nil(t, err)
	data := bytes.Repeat([]byte("x"), 10000)
	id := writeFile(t, fs, vol, "f", data)
	assert.True(t, fs.Stats().Journal.Commits > 0)
	// fs is abandoned without flush; the journal has it all

	fs2 := mount(t, config)
	checkReservation(t, fs2)
	vol, err = fs2.OpenVolume(ctx, "v")
	assert.Nil(t, err)
	assert.Equal(t, readFile(t, vol, "f"), data)
	assert.True(t, fs2.ObjectManager().NeedsFlush(vol.StoreObjectID()))
	assert.True(t, fs2.Allocator().Used() >= uint64(len(data)))

	// Overwrite frees the old extent
	used := fs2.Allocator().Used()
	txn := transaction.New(fs2.Journal(), transaction.MetadataReservation{Mode: transaction.Borrowed})
	_, err = vol.WriteData(ctx, txn, id, []byte("short"))
	assert.Nil(t, err)
	_, err = txn.Commit(ctx)
	assert.Nil(t, err)
	assert.True(t, fs2.Allocator().Used() < used)
	assert.Nil(t, fs2.Close(ctx))
	assert.Equal(t, fs2.Stats().ObjectManager.DependentObjects, 0)

	fs3 := mount(t, config)
	vol, err = fs3.OpenVolume(ctx, "v")
	assert.Nil(t, err)
	assert.Equal(t, readFile(t, vol, "f"), []byte("short"))
	assert.Nil(t, fs3.Close(ctx))
}

func TestEncryptedVolume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, config := ProdFilesystem(t)
	vol, err := fs.CreateVolume(ctx, "secret", true)
	assert.Nil(t, err)
	assert.Equal(t, vol.State(), store.Unlocked)
	assert.True(t, vol.Info().IsEncrypted())
	data := []byte("for your eyes only")
	writeFile(t, fs, vol, "f", data)
	assert.Nil(t, fs.Close(ctx))

	// Wrong password leaves the volume locked
	wrong := config
	wrong.Password = "guess"
	fs = mount(t, wrong)
	_, err = fs.OpenVolume(ctx, "secret")
	assert.True(t, fserrors.Is(err, fserrors.ErrLocked))
	s, err := fs.ObjectManager().Store(vol.StoreObjectID())
	assert.Nil(t, err)
	assert.True(t, s.IsLocked())
	assert.Equal(t, len(fs.ObjectManager().UnlockedStores()), 2)

	fs = mount(t, config)
	vol, err = fs.OpenVolume(ctx, "secret")
	assert.Nil(t, err)
	assert.Equal(t, vol.State(), store.Unlocked)
	assert.Equal(t, readFile(t, vol, "f"), data)
	assert.Nil(t, fs.Close(ctx))
}

func TestEncryptedWithoutPassword(t *testing.T) {
	t.Parallel()
	config := ProdConfig(inmemory.NewInMemoryBackend())
	config.Password = ""
	fs, err := Format(context.Background(), config)
	assert.Nil(t, err)
	_, err = fs.CreateVolume(context.Background(), "secret", true)
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidArgument))
}

func TestLockedFlush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, config := ProdFilesystem(t)
	vol, err := fs.CreateVolume(ctx, "secret", true)
	assert.Nil(t, err)
	data := []byte("journaled while locked")
	writeFile(t, fs, vol, "f", data)
	id := vol.StoreObjectID()

	// Mount without password and flush; the encrypted mutations are
	// persisted as they are.
	locked := config
	locked.Password = ""
	fs = mount(t, locked)
	s, err := fs.ObjectManager().Store(id)
	assert.Nil(t, err)
	assert.True(t, s.IsLocked())
	assert.True(t, s.(*store.ObjectStore).Stats().Pending > 0)
	assert.Nil(t, fs.Close(ctx))
	assert.Equal(t, s.(*store.ObjectStore).Stats().Pending, 0)

	fs = mount(t, config)
	vol, err = fs.OpenVolume(ctx, "secret")
	assert.Nil(t, err)
	assert.Equal(t, readFile(t, vol, "f"), data)

	// Writing after unlock persists the layer (and drops the log)
	writeFile(t, fs, vol, "g", []byte("more"))
	assert.Nil(t, fs.Close(ctx))

	fs = mount(t, config)
	vol, err = fs.OpenVolume(ctx, "secret")
	assert.Nil(t, err)
	assert.Equal(t, readFile(t, vol, "f"), data)
	assert.Equal(t, readFile(t, vol, "g"), []byte("more"))
	assert.Nil(t, fs.Close(ctx))
}

func TestBackendPassword(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	config := Configuration{BackendName: "bolt",
		Directory:       dir,
		BackendPassword: "outer",
		DeviceSize:      testDeviceSize,
		Compression:     "snappy",
		Iterations:      10,
	}
	fs, err := Format(ctx, config)
	assert.Nil(t, err)
	vol, err := fs.CreateVolume(ctx, "v", false)
	assert.Nil(t, err)
	writeFile(t, fs, vol, "f", []byte("data"))
	assert.Nil(t, fs.Close(ctx))

	fs, err = Mount(ctx, config)
	assert.Nil(t, err)
	vol, err = fs.OpenVolume(ctx, "v")
	assert.Nil(t, err)
	assert.Equal(t, readFile(t, vol, "f"), []byte("data"))
	st := fs.Stats()
	assert.True(t, st.BackendAvailable > 0)
	assert.Nil(t, fs.Close(ctx))
}
