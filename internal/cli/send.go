package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/flatmapit/dicomrelay/internal/dcm"
	"github.com/flatmapit/dicomrelay/internal/dimse"
	"github.com/flatmapit/dicomrelay/internal/scu"
	"github.com/flatmapit/dicomrelay/pkg/types"
)

// SendCommand returns the one-shot send command: store the given
// part-10 files to a single destination through one store SCU. A file
// with a SOP class or transfer syntax not yet proposed makes the SCU
// close and reopen its association.
func SendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send DICOM files to a destination using C-STORE",
		ArgsUsage: "FILE [FILE...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "host",
				Usage:    "Destination host",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Destination port",
				Value: 104,
			},
			&cli.StringFlag{
				Name:     "aet",
				Usage:    "Destination application entity title",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "aec",
				Usage: "Our application entity title",
				Value: "DICOMRELAY",
			},
		},
		Action: sendAction,
	}
}

func sendAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("no files to send", 1)
	}

	called := types.DicomNode{
		AETitle:  c.String("aet"),
		Hostname: c.String("host"),
		Port:     c.Int("port"),
	}
	if err := called.Validate(); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	calling := types.DicomNode{AETitle: c.String("aec")}

	sender := scu.New(calling, called, types.DefaultConnectOptions())
	defer sender.Stop()

	var failures int
	for _, path := range c.Args().Slice() {
		if err := sendFile(sender, path); err != nil {
			if types.KindOf(err) == types.ErrorConnectFailed {
				return cli.Exit(fmt.Sprintf("failed to connect: %v", err), 2)
			}
			logrus.Errorf("Failed to send %s: %v", filepath.Base(path), err)
			failures++
		}
	}

	completed, failed, warning, _ := sender.Progress().Counters()
	logrus.Infof("Send finished: %d completed, %d failed, %d warning", completed, failed, warning)
	if failures > 0 || failed > 0 {
		return cli.Exit(fmt.Sprintf("%d instance(s) failed", failures+failed), 3)
	}
	return nil
}

func sendFile(sender *scu.StreamStoreSCU, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	meta, err := dcm.ParseFileMeta(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	dataset := data[meta.DatasetOffset:]

	if err := sender.Prepare(meta.MediaStorageSOPClassUID, meta.TransferSyntaxUID); err != nil {
		return err
	}

	payload := func(acceptedTS string) ([]byte, error) {
		if acceptedTS == meta.TransferSyntaxUID {
			return dataset, nil
		}
		ds, err := dcm.ParseDataset(dataset)
		if err != nil {
			return nil, err
		}
		return dcm.EncodeDataset(ds, acceptedTS)
	}

	status, err := sender.CStore(meta.MediaStorageSOPClassUID, meta.MediaStorageSOPInstanceUID,
		payload, dimse.PriorityMedium, meta.TransferSyntaxUID)
	if err != nil {
		return err
	}
	if status.IsFailure() {
		return fmt.Errorf("destination answered %s", status)
	}
	logrus.Infof("Stored %s (%s)", filepath.Base(path), status)
	return nil
}
