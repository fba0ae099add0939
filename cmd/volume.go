package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarth-shah20/stasis/internal/provision"
	"github.com/sarth-shah20/stasis/internal/snapshot"
)

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Work with the stack's named volumes",
}

var (
	exportBucket string
	exportKey    string
	exportPrefix string
	exportRegion string
)

var volumeExportCmd = &cobra.Command{
	Use:   "export <volume>",
	Short: "Upload a tar of a named volume to S3",
	Long: `Stream the contents of a named volume to an S3 bucket as a tar archive.
The volume is read through a helper container that is never started. The
volume itself is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, _, err := loadStack()
		if err != nil {
			return err
		}
		vol, ok := st.Volume(args[0])
		if !ok {
			return fmt.Errorf("%w: %s is not declared in the stack", snapshot.ErrVolumeNotFound, args[0])
		}

		bucket := firstNonEmpty(exportBucket, settings.Export.Bucket)
		if bucket == "" {
			return fmt.Errorf("%w: pass --bucket or set export.bucket", snapshot.ErrNoBucket)
		}

		eng, err := newEngine(ctx, false)
		if err != nil {
			return err
		}
		defer eng.Close()

		exporter, err := snapshot.NewS3(ctx, firstNonEmpty(exportRegion, settings.Export.Region), eng, settings.Docker.HelperImage, logger)
		if err != nil {
			return err
		}

		res, err := exporter.Export(ctx, snapshot.Request{
			Project: st.Name,
			Volume:  provision.VolumeName(st.Name, vol),
			Bucket:  bucket,
			Key:     exportKey,
			Prefix:  firstNonEmpty(exportPrefix, settings.Export.Prefix),
		})
		if err != nil {
			return err
		}

		fmt.Printf("Exported %s (%d bytes) to s3://%s/%s\n", args[0], res.Bytes, res.Bucket, res.Key)
		return nil
	},
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	volumeExportCmd.Flags().StringVar(&exportBucket, "bucket", "", "destination bucket (default export.bucket)")
	volumeExportCmd.Flags().StringVar(&exportKey, "key", "", "object key (default <prefix>/<project>/<volume>-<timestamp>.tar)")
	volumeExportCmd.Flags().StringVar(&exportPrefix, "prefix", "", "key prefix (default export.prefix)")
	volumeExportCmd.Flags().StringVar(&exportRegion, "region", "", "AWS region (default export.region, then the SDK's chain)")

	volumeCmd.AddCommand(volumeExportCmd)
	rootCmd.AddCommand(volumeCmd)
}
