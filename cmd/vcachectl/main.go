package main

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/vcache-platform/vcache/cachefs"
)

var (
	minAvgObjSizeStr = "16KB"
	matchPattern     string
)

func minAvgObjSizeBytes() (uint32, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(minAvgObjSizeStr)); err != nil {
		return 0, fmt.Errorf("invalid --min-avg-object-size: %w", err)
	}
	return uint32(v.Bytes()), nil
}

var rootCmd = &cobra.Command{
	Use:   "vcachectl",
	Short: "Offline tooling for disk cache volumes",
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <volume>",
	Short: "Decode both metadata slots of a volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		minObjSize, err := minAvgObjSizeBytes()
		if err != nil {
			return err
		}
		rep, err := cachefs.InspectVolume(args[0], minObjSize)
		if err != nil {
			return err
		}
		fmt.Printf("volume:      %s\n", rep.Path)
		fmt.Printf("size:        %s\n", datasize.ByteSize(rep.Size).HumanReadable())
		fmt.Printf("md max size: %s\n", datasize.ByteSize(rep.MDMaxSize).HumanReadable())
		fmt.Printf("data offset: %d\n", rep.DataOffset)
		fmt.Printf("data size:   %s\n", datasize.ByteSize(rep.DataSize).HumanReadable())
		for i, name := range []string{"A", "B"} {
			s := rep.Slots[i]
			if !s.Valid {
				fmt.Printf("slot %s:      invalid (offset %d)\n", name, rep.MDOffsets[i])
				continue
			}
			fmt.Printf("slot %s:      uuid=%s serial=%d write_pos=%d write_lap=%d nodes=%d entries=%d bytes=%s\n",
				name, s.UUID, s.SyncSerial, s.WritePos, s.WriteLap,
				s.CntNodes, s.CntEntries, datasize.ByteSize(s.EntriesDataSize).HumanReadable())
		}
		fmt.Printf("picked:      %s\n", rep.Picked)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <volume>",
	Short: "Reinitialize a volume with empty metadata, discarding its content",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		minObjSize, err := minAvgObjSizeBytes()
		if err != nil {
			return err
		}
		fs, err := cachefs.OpenVolume(args[0], minObjSize, nil,
			cachefs.WithDirectIO(false))
		if err != nil {
			return err
		}
		if err := fs.InitReset(); err != nil {
			return err
		}
		fmt.Printf("reset volume %s\n", args[0])
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys <volume>",
	Short: "List indexed object keys and their cached ranges",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		minObjSize, err := minAvgObjSizeBytes()
		if err != nil {
			return err
		}
		var match glob.Glob
		if matchPattern != "" {
			if match, err = glob.Compile(matchPattern); err != nil {
				return fmt.Errorf("invalid --match pattern: %w", err)
			}
		}
		var cnt int
		err = cachefs.ListKeys(args[0], minObjSize,
			func(key cachefs.Key, rngs []cachefs.Range) bool {
				if match != nil && !match.Match(key.String()) {
					return true
				}
				cnt++
				fmt.Printf("%s", key)
				for _, r := range rngs {
					fmt.Printf(" %s", r)
				}
				fmt.Println()
				return true
			})
		if err != nil {
			return err
		}
		fmt.Printf("%d keys\n", cnt)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&minAvgObjSizeStr, "min-avg-object-size", minAvgObjSizeStr,
		"Minimal average object size the volume was sized with")
	keysCmd.Flags().StringVar(&matchPattern, "match", "", "Glob over hex object keys")
	rootCmd.AddCommand(inspectCmd, resetCmd, keysCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}
