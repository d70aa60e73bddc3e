package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehr/rxledger/internal/config"
	"github.com/ehr/rxledger/internal/domain/prescription"
	"github.com/ehr/rxledger/pkg/pagination"
)

// rxFunc runs one lifecycle operation; its result is printed as JSON.
type rxFunc func(ctx context.Context, svc *prescription.Service) (interface{}, error)

// runRx wires a service against the configured gateway, runs fn and then
// waits, up to VERIFY_TIMEOUT, for the write verification it scheduled.
func runRx(cmd *cobra.Command, fn rxFunc) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	jh, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer jh.close()

	client, err := newGatewayClient(cfg, logger)
	if err != nil {
		return err
	}
	journal, err := decorateJournal(cfg, logger, jh.journal, nil)
	if err != nil {
		return err
	}
	svc := prescription.NewService(client, journal, logger, serviceConfig(cfg))

	out, err := fn(ctx, svc)
	if err != nil {
		r := prescription.Reject(err)
		return fmt.Errorf("%s: %s", r.Kind, r.Message)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.VerifyTimeout)
	defer cancel()
	if err := svc.Wait(waitCtx); err != nil {
		logger.Warn().Err(err).Msg("verification still running at exit")
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func rxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rx",
		Short: "Run prescription lifecycle operations against the ledger",
	}
	cmd.AddCommand(
		rxCreateCmd(),
		rxReadCmd(),
		rxHistoryCmd(),
		rxUpdateCmd(),
		rxRevokeCmd(),
		rxDispenseCmd(),
		rxByDoctorCmd(),
		rxDispensesCmd(),
	)
	return cmd
}

func rxCreateCmd() *cobra.Command {
	var in prescription.CreateInput
	var meds []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create prescriptions for a patient",
		Example: `  rxledger rx create --patient P1 --doctor D1 --name "Ada Lovelace" \
    --med "Amoxicillin;500mg;three times daily;sinusitis"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, m := range meds {
				line, err := parseMedication(m)
				if err != nil {
					return err
				}
				in.Medications = append(in.Medications, line)
			}
			return runRx(cmd, func(ctx context.Context, svc *prescription.Service) (interface{}, error) {
				return svc.Create(ctx, in)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.PatientID, "patient", "", "patient id")
	f.StringVar(&in.PatientName, "name", "", "patient name")
	f.StringVar(&in.DateOfBirth, "dob", "", "patient date of birth")
	f.StringVar(&in.DoctorID, "doctor", "", "prescribing doctor id")
	f.StringArrayVar(&meds, "med", nil, `medication as "name;dosage;instructions;diagnosis;expiry;id" (repeatable, trailing fields optional)`)
	return cmd
}

// parseMedication reads a semicolon separated medication line. Only the name
// is required.
func parseMedication(s string) (prescription.MedicationLine, error) {
	parts := strings.Split(s, ";")
	if len(parts) > 6 {
		return prescription.MedicationLine{}, fmt.Errorf("medication %q has more than 6 fields", s)
	}
	field := func(i int) string {
		if i < len(parts) {
			return strings.TrimSpace(parts[i])
		}
		return ""
	}
	line := prescription.MedicationLine{
		MedicationName: field(0),
		Dosage:         field(1),
		Instructions:   field(2),
		Diagnosis:      field(3),
		ExpiryDate:     field(4),
		PrescriptionID: field(5),
	}
	if line.MedicationName == "" {
		return prescription.MedicationLine{}, fmt.Errorf("medication %q has no name", s)
	}
	return line, nil
}

func rxReadCmd() *cobra.Command {
	var patientID string
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read a patient's normalized prescriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRx(cmd, func(ctx context.Context, svc *prescription.Service) (interface{}, error) {
				return svc.Read(ctx, patientID)
			})
		},
	}
	cmd.Flags().StringVar(&patientID, "patient", "", "patient id")
	return cmd
}

func rxHistoryCmd() *cobra.Command {
	var in prescription.HistoryInput
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show a patient's ledger history, or a doctor's prescriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRx(cmd, func(ctx context.Context, svc *prescription.Service) (interface{}, error) {
				return svc.ReadHistory(ctx, in)
			})
		},
	}
	cmd.Flags().StringVar(&in.PatientID, "patient", "", "patient id")
	cmd.Flags().StringVar(&in.DoctorID, "doctor", "", "doctor id, used when --patient is empty")
	return cmd
}

func rxUpdateCmd() *cobra.Command {
	var in prescription.UpdateInput
	var medication, dosage, instructions, diagnosis, expiry string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Change fields of an active prescription",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			in.MedicationName = changed(f.Changed("medication"), medication)
			in.Dosage = changed(f.Changed("dosage"), dosage)
			in.Instructions = changed(f.Changed("instructions"), instructions)
			in.Diagnosis = changed(f.Changed("diagnosis"), diagnosis)
			in.ExpiryDate = changed(f.Changed("expiry"), expiry)
			return runRx(cmd, func(ctx context.Context, svc *prescription.Service) (interface{}, error) {
				return svc.Update(ctx, in)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.PatientID, "patient", "", "patient id")
	f.StringVar(&in.PrescriptionID, "rx", "", "prescription id")
	f.StringVar(&in.DoctorID, "doctor", "", "doctor id of the prescriber")
	f.StringVar(&medication, "medication", "", "new medication name")
	f.StringVar(&dosage, "dosage", "", "new dosage")
	f.StringVar(&instructions, "instructions", "", "new instructions")
	f.StringVar(&diagnosis, "diagnosis", "", "new diagnosis")
	f.StringVar(&expiry, "expiry", "", "new expiry date")
	return cmd
}

func changed(set bool, v string) *string {
	if !set {
		return nil
	}
	return &v
}

func rxRevokeCmd() *cobra.Command {
	var in prescription.RevokeInput
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an active prescription",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRx(cmd, func(ctx context.Context, svc *prescription.Service) (interface{}, error) {
				return svc.Revoke(ctx, in)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.PatientID, "patient", "", "patient id")
	f.StringVar(&in.PrescriptionID, "rx", "", "prescription id")
	f.StringVar(&in.DoctorID, "doctor", "", "doctor id of the prescriber")
	f.StringVar(&in.Reason, "reason", "", "revocation reason")
	return cmd
}

func rxDispenseCmd() *cobra.Command {
	var in prescription.DispenseInput
	cmd := &cobra.Command{
		Use:   "dispense",
		Short: "Dispense an active prescription",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRx(cmd, func(ctx context.Context, svc *prescription.Service) (interface{}, error) {
				return svc.Dispense(ctx, in)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.PatientID, "patient", "", "patient id")
	f.StringVar(&in.PrescriptionID, "rx", "", "prescription id")
	f.StringVar(&in.PharmacistID, "pharmacist", "", "dispensing pharmacist id")
	f.StringVar(&in.Note, "note", "", "dispensing note")
	return cmd
}

func rxByDoctorCmd() *cobra.Command {
	var doctorID string
	cmd := &cobra.Command{
		Use:   "by-doctor",
		Short: "List every prescription a doctor created",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRx(cmd, func(ctx context.Context, svc *prescription.Service) (interface{}, error) {
				return svc.ListByDoctor(ctx, doctorID)
			})
		},
	}
	cmd.Flags().StringVar(&doctorID, "doctor", "", "doctor id")
	return cmd
}

func rxDispensesCmd() *cobra.Command {
	var pharmacistID string
	cmd := &cobra.Command{
		Use:   "dispenses",
		Short: "List every prescription a pharmacist dispensed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRx(cmd, func(ctx context.Context, svc *prescription.Service) (interface{}, error) {
				return svc.DispenseHistory(ctx, pharmacistID)
			})
		},
	}
	cmd.Flags().StringVar(&pharmacistID, "pharmacist", "", "pharmacist id")
	return cmd
}

func verificationsCmd() *cobra.Command {
	var limit, offset string
	cmd := &cobra.Command{
		Use:   "verifications",
		Short: "List recorded write verification outcomes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateJournal(); err != nil {
				return err
			}
			if cfg.JournalDriver == config.JournalMemory {
				fmt.Fprintln(cmd.ErrOrStderr(), "JOURNAL_DRIVER is memory; outcomes are only kept inside a running server")
			}

			ctx := context.Background()
			jh, err := openJournal(ctx, cfg)
			if err != nil {
				return err
			}
			defer jh.close()

			pg := pagination.Parse(limit, offset)
			items, total, err := jh.journal.List(ctx, pg.Limit, pg.Offset)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pagination.NewResponse(items, total, pg.Limit, pg.Offset))
		},
	}
	cmd.Flags().StringVar(&limit, "limit", "", fmt.Sprintf("page size (default %d, max %d)", pagination.DefaultLimit, pagination.MaxLimit))
	cmd.Flags().StringVar(&offset, "offset", "", "items to skip")
	return cmd
}
