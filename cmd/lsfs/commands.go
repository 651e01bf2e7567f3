/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Sat Mar 16 11:48:12 2019 mstenber
 * Last modified: Sat Mar 16 13:20:33 2019 mstenber
 * Edit time:     47 min
 *
 */

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fingon/go-lsfs/filesystem"
	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/objmgr"
	"github.com/fingon/go-lsfs/transaction"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	deviceSize uint64
	encrypted  bool
)

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Create new filesystem",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := configuration()
		if err != nil {
			return err
		}
		config.DeviceSize = deviceSize
		ctx := context.Background()
		fs, err := filesystem.Format(ctx, config)
		if err != nil {
			return err
		}
		fmt.Printf("formatted %s\n", fs.Stats().GUID)
		return fs.Close(ctx)
	},
}

var mkvolCmd = &cobra.Command{
	Use:   "mkvol NAME",
	Short: "Create new volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMounted(func(ctx context.Context, fs *filesystem.Filesystem) error {
			s, err := fs.CreateVolume(ctx, args[0], encrypted)
			if err != nil {
				return err
			}
			fmt.Printf("%s: store %d (%s)\n", args[0], s.StoreObjectID(), s.Info().GUID)
			return nil
		})
	},
}

var volumesCmd = &cobra.Command{
	Use:   "volumes",
	Short: "List volumes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMounted(func(ctx context.Context, fs *filesystem.Filesystem) error {
			entries, err := fs.Volumes(ctx)
			if err != nil {
				return err
			}
			for _, e := range entries {
				s, err := fs.ObjectManager().Store(e.ObjectID)
				if err != nil {
					return err
				}
				fmt.Printf("%-20s %6d locked:%v\n", e.Name, e.ObjectID, s.IsLocked())
			}
			return nil
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put VOLUME NAME FILE",
	Short: "Store FILE as NAME in the root directory of VOLUME",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		return withMounted(func(ctx context.Context, fs *filesystem.Filesystem) error {
			s, err := fs.OpenVolume(ctx, args[0])
			if err != nil {
				return err
			}
			d := s.RootDirectory()
			txn := transaction.New(fs.Journal(), transaction.MetadataReservation{Mode: transaction.Borrowed})
			defer txn.Close()
			e, found, err := d.Lookup(ctx, args[1])
			if err != nil {
				return err
			}
			id := e.ObjectID
			if !found {
				if id, err = d.CreateFile(txn, args[1]); err != nil {
					return err
				}
				// The file must exist before its data is written
				if _, err = txn.Commit(ctx); err != nil {
					return err
				}
			} else if e.Descriptor != objmgr.DescriptorFile {
				return errors.Wrapf(fserrors.ErrInvalidArgument, "%q is not file", args[1])
			}
			if _, err = s.WriteData(ctx, txn, id, data); err != nil {
				return err
			}
			_, err = txn.Commit(ctx)
			return err
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get VOLUME NAME",
	Short: "Write content of NAME in VOLUME to stdout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMounted(func(ctx context.Context, fs *filesystem.Filesystem) error {
			s, err := fs.OpenVolume(ctx, args[0])
			if err != nil {
				return err
			}
			e, found, err := s.RootDirectory().Lookup(ctx, args[1])
			if err != nil {
				return err
			}
			if !found {
				return errors.Wrapf(fserrors.ErrNotFound, "%q", args[1])
			}
			data, err := s.ReadData(ctx, e.ObjectID)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show reservation accounting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMounted(func(ctx context.Context, fs *filesystem.Filesystem) error {
			st := fs.Stats()
			om := st.ObjectManager
			fmt.Printf("GUID:                    %s\n", st.GUID)
			fmt.Printf("Device size:             %d\n", st.DeviceSize)
			fmt.Printf("Allocated:               %d\n", st.AllocatorUsed)
			fmt.Printf("Reserved:                %d\n", st.AllocatorReserved)
			fmt.Printf("Free:                    %d\n", st.AllocatorFree)
			fmt.Printf("Stores:                  %d\n", om.Stores)
			fmt.Printf("Objects needing flush:   %d\n", om.DependentObjects)
			fmt.Printf("Required reservation:    %d\n", om.RequiredReservation)
			fmt.Printf("Metadata reservation:    %d\n", om.MetadataReservation)
			fmt.Printf("Borrowed metadata space: %d\n", om.BorrowedMetadataSpace)
			fmt.Printf("Journal end:             %d\n", om.LastEndOffset)
			fmt.Printf("Journal start:           %v\n", st.Journal.JournalCheckpoint)
			fmt.Printf("Superblock generation:   %d\n", st.Journal.Generation)
			if st.BackendAvailable > 0 {
				fmt.Printf("Backend used:            %d\n", st.BackendUsed)
				fmt.Printf("Backend available:       %d\n", st.BackendAvailable)
			}
			return nil
		})
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Flush everything and write new superblock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMounted(func(ctx context.Context, fs *filesystem.Filesystem) error {
			return fs.Flush(ctx)
		})
	},
}

func init() {
	formatCmd.Flags().Uint64Var(&deviceSize, "size", filesystem.DefaultDeviceSize, "device size in bytes")
	mkvolCmd.Flags().BoolVar(&encrypted, "encrypted", false, "encrypt the volume with the password")
	viper.SetDefault("backend", "bolt")
	rootCmd.AddCommand(formatCmd, mkvolCmd, volumesCmd, putCmd, getCmd, statsCmd, flushCmd)
}
