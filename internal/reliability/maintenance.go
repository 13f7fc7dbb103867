package reliability

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/uteki/uteki/internal/database"
)

// MaintenanceService runs the nightly housekeeping pass: integrity checks,
// WAL checkpoints, and a disk space guard.
type MaintenanceService struct {
	databases map[string]*database.DB
	dataDir   string
	log       zerolog.Logger
}

func NewMaintenanceService(databases map[string]*database.DB, dataDir string, log zerolog.Logger) *MaintenanceService {
	return &MaintenanceService{
		databases: databases,
		dataDir:   dataDir,
		log:       log.With().Str("service", "maintenance").Logger(),
	}
}

// Run executes one maintenance pass. An integrity failure is fatal, a
// checkpoint failure is not.
func (s *MaintenanceService) Run(ctx context.Context) error {
	s.log.Info().Msg("Starting maintenance")
	startTime := time.Now()

	for name, db := range s.databases {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("health check failed for %s: %w", name, err)
		}
	}

	for name, db := range s.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			s.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}

	if err := s.checkDiskSpace(); err != nil {
		return err
	}

	s.log.Info().Dur("duration_ms", time.Since(startTime)).Msg("Maintenance completed")
	return nil
}

// checkDiskSpace halts maintenance when free space drops below 500MB
func (s *MaintenanceService) checkDiskSpace() error {
	stat := syscall.Statfs_t{}
	if err := syscall.Statfs(s.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableGB := float64(stat.Bavail*uint64(stat.Bsize)) / 1e9
	s.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")

	if availableGB < 0.5 {
		return fmt.Errorf("only %.2f GB free, refusing to continue", availableGB)
	}
	if availableGB < 5.0 {
		s.log.Warn().Float64("available_gb", availableGB).Msg("Disk space running low")
	}
	return nil
}
