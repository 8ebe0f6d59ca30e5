package main

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"blockbtree/pkg/bufcache"
	"blockbtree/pkg/index"
	"blockbtree/pkg/keycodec"
)

func resolveCodec() (keycodec.Codec, error) {
	if flagHashWidth == 0 {
		return keycodec.Uint64Codec{}, nil
	}
	return keycodec.NewHashCodec(flagHashWidth)
}

func encodeKey(codec keycodec.Codec, arg string) ([]byte, error) {
	if flagHashWidth == 0 {
		n, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse key %q as uint64", arg)
		}
		buf := make([]byte, 8)
		keycodec.EncodeUint64(buf, n)
		return buf, nil
	}
	buf, err := hex.DecodeString(arg)
	if err != nil {
		return nil, errors.Wrapf(err, "parse key %q as hex", arg)
	}
	if len(buf) != codec.Width() {
		return nil, fmt.Errorf("key %q is %d bytes, want %d for hash-width %d", arg, len(buf), codec.Width(), flagHashWidth)
	}
	return buf, nil
}

func formatKey(codec keycodec.Codec, key []byte) string {
	if flagHashWidth == 0 {
		return strconv.FormatUint(keycodec.DecodeUint64(key), 10)
	}
	return hex.EncodeToString(key)
}

// openEngine opens the index configured by the persistent flags. Callers
// must Close both the engine and the returned cache.
func openEngine() (*index.Engine, *bufcache.Cache, keycodec.Codec, error) {
	codec, err := resolveCodec()
	if err != nil {
		return nil, nil, nil, err
	}
	bc, err := bufcache.Open(flagDir, flagClusterSize, log)
	if err != nil {
		return nil, nil, nil, err
	}
	eng, err := index.Open(bc, bc, flagIno, codec, flagClusterSize, log)
	if err != nil {
		bc.Close()
		return nil, nil, nil, err
	}
	return eng, bc, codec, nil
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create (or reopen) an empty index and print its geometry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, bc, _, err := openEngine()
		if err != nil {
			return err
		}
		defer bc.Close()
		defer eng.Close()

		geom := eng.Geometry()
		fmt.Printf("opened index at %s (ino %d): cluster-size=%d key-width=%d fanout=%d\n",
			flagDir, flagIno, geom.ClusterSize, geom.KeyWidth, geom.Fanout)
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <item>",
	Short: "Insert or update a key with a 32-bit item value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, bc, codec, err := openEngine()
		if err != nil {
			return err
		}
		defer bc.Close()
		defer eng.Close()

		key, err := encodeKey(codec, args[0])
		if err != nil {
			return err
		}
		item, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return errors.Wrapf(err, "parse item %q", args[1])
		}

		prior, replaced, err := eng.Update(key, uint32(item))
		if err != nil {
			return err
		}
		if replaced {
			fmt.Printf("replaced %s: %d -> %d\n", args[0], prior, item)
		} else {
			fmt.Printf("inserted %s -> %d\n", args[0], item)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Look up a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, bc, codec, err := openEngine()
		if err != nil {
			return err
		}
		defer bc.Close()
		defer eng.Close()

		key, err := encodeKey(codec, args[0])
		if err != nil {
			return err
		}

		item, found, err := eng.Search(key)
		if err != nil {
			return err
		}
		if !found {
			fmt.Printf("%s: not found\n", args[0])
			return nil
		}
		fmt.Printf("%s -> %d\n", args[0], item)
		return nil
	},
}

var delCmd = &cobra.Command{
	Use:   "del <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, bc, codec, err := openEngine()
		if err != nil {
			return err
		}
		defer bc.Close()
		defer eng.Close()

		key, err := encodeKey(codec, args[0])
		if err != nil {
			return err
		}

		removed, err := eng.Remove(key)
		if err != nil {
			return err
		}
		if removed {
			fmt.Printf("deleted %s\n", args[0])
		} else {
			fmt.Printf("%s: not found\n", args[0])
		}
		return nil
	},
}

var rangeCmd = &cobra.Command{
	Use:   "range <lo> <hi>",
	Short: "Scan keys in [lo, hi] in ascending order",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, bc, codec, err := openEngine()
		if err != nil {
			return err
		}
		defer bc.Close()
		defer eng.Close()

		lo, err := encodeKey(codec, args[0])
		if err != nil {
			return err
		}
		hi, err := encodeKey(codec, args[1])
		if err != nil {
			return err
		}

		it, err := eng.Range(lo, hi)
		if err != nil {
			return err
		}
		defer it.Close()

		n := 0
		for {
			key, item, ok, err := it.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			fmt.Printf("%s -> %d\n", formatKey(codec, key), item)
			n++
		}
		fmt.Printf("(%d entries)\n", n)
		return nil
	},
}

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Print the index's derived node geometry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, bc, _, err := openEngine()
		if err != nil {
			return err
		}
		defer bc.Close()
		defer eng.Close()

		geom := eng.Geometry()
		fmt.Printf("cluster-size: %d\n", geom.ClusterSize)
		fmt.Printf("key-width:    %d\n", geom.KeyWidth)
		fmt.Printf("fanout:       %d\n", geom.Fanout)
		fmt.Printf("min-occupancy: %d\n", geom.MinOccupancy())
		return nil
	},
}
