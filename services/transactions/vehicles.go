package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// MediaStore guarda as imagens dos veículos. A remoção é feita em duas fases:
// Quarantine retira o arquivo de circulação de forma reversível e Purge o apaga.
type MediaStore interface {
	Quarantine(ctx context.Context, name string) error
	Restore(ctx context.Context, name string) error
	Purge(ctx context.Context, name string) error
}

// FileMediaStore implementa MediaStore sobre um diretório local de uploads
type FileMediaStore struct {
	root  string
	trash string
}

// NewFileMediaStore cria o diretório de quarentena dentro de root
func NewFileMediaStore(root string) (*FileMediaStore, error) {
	trash := filepath.Join(root, ".trash")
	if err := os.MkdirAll(trash, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media trash dir: %w", err)
	}
	return &FileMediaStore{root: root, trash: trash}, nil
}

func (s *FileMediaStore) Quarantine(_ context.Context, name string) error {
	err := os.Rename(s.livePath(name), s.trashPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileMediaStore) Restore(_ context.Context, name string) error {
	err := os.Rename(s.trashPath(name), s.livePath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileMediaStore) Purge(_ context.Context, name string) error {
	err := os.Remove(s.trashPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// filepath.Base keeps stored names from escaping the upload dir
func (s *FileMediaStore) livePath(name string) string {
	return filepath.Join(s.root, filepath.Base(name))
}

func (s *FileMediaStore) trashPath(name string) string {
	return filepath.Join(s.trash, filepath.Base(name))
}

// sagaStep é uma etapa com compensação opcional.
// A compensação precisa desfazer também o progresso parcial da própria etapa.
type sagaStep struct {
	name       string
	action     func(ctx context.Context) error
	compensate func(ctx context.Context) error
}

// localSaga executa etapas em ordem e compensa em ordem inversa quando uma falha
type localSaga struct {
	name   string
	steps  []sagaStep
	logger *zap.Logger
}

func (s *localSaga) Run(ctx context.Context) error {
	for i, step := range s.steps {
		err := step.action(ctx)
		if err == nil {
			continue
		}

		s.logger.Warn("↩️ [SAGA] step failed, compensating",
			zap.String("saga", s.name),
			zap.String("step", step.name),
			zap.Error(err),
		)
		for j := i; j >= 0; j-- {
			if s.steps[j].compensate == nil {
				continue
			}
			if cerr := s.steps[j].compensate(context.WithoutCancel(ctx)); cerr != nil {
				s.logger.Error("❌ [SAGA] compensation failed",
					zap.String("saga", s.name),
					zap.String("step", s.steps[j].name),
					zap.Error(cerr),
				)
			}
		}
		return fmt.Errorf("%s: %s: %w", s.name, step.name, err)
	}
	return nil
}

// VehicleRemover remove um veículo junto com suas imagens
type VehicleRemover interface {
	RemoveVehicle(ctx context.Context, vehicleID string) error
}

// LocalVehicleRemover remove o veículo do banco compartilhado e as imagens do disco
type LocalVehicleRemover struct {
	catalog VehicleCatalog
	media   MediaStore
	logger  *zap.Logger
}

// NewLocalVehicleRemover cria uma nova instância de LocalVehicleRemover
func NewLocalVehicleRemover(catalog VehicleCatalog, media MediaStore, logger *zap.Logger) *LocalVehicleRemover {
	return &LocalVehicleRemover{catalog: catalog, media: media, logger: logger}
}

// RemoveVehicle coloca as imagens em quarentena, apaga o registro e só então expurga as imagens.
// Falha ao apagar o registro devolve as imagens; falha no expurgo é apenas registrada.
func (r *LocalVehicleRemover) RemoveVehicle(ctx context.Context, vehicleID string) error {
	vehicle, err := r.catalog.GetVehicle(ctx, vehicleID)
	if err != nil {
		return err
	}

	var quarantined []string
	saga := &localSaga{
		name:   "remove-vehicle",
		logger: r.logger.With(zap.String("vehicle_id", vehicleID)),
		steps: []sagaStep{
			{
				name: "quarantine-media",
				action: func(ctx context.Context) error {
					for _, image := range vehicle.Images {
						if err := r.media.Quarantine(ctx, image); err != nil {
							return fmt.Errorf("quarantine %s: %w", image, err)
						}
						quarantined = append(quarantined, image)
					}
					return nil
				},
				compensate: func(ctx context.Context) error {
					var errs []error
					for _, image := range quarantined {
						if err := r.media.Restore(ctx, image); err != nil {
							errs = append(errs, fmt.Errorf("restore %s: %w", image, err))
						}
					}
					return errors.Join(errs...)
				},
			},
			{
				name: "delete-record",
				action: func(ctx context.Context) error {
					return r.catalog.DeleteVehicle(ctx, vehicleID)
				},
			},
			{
				name: "purge-media",
				action: func(ctx context.Context) error {
					for _, image := range quarantined {
						if err := r.media.Purge(ctx, image); err != nil {
							r.logger.Warn("⚠️ [REMOVE VEHICLE] media purge failed, leaving file in trash",
								zap.String("vehicle_id", vehicleID),
								zap.String("image", image),
								zap.Error(err),
							)
						}
					}
					return nil
				},
			},
		},
	}

	return saga.Run(ctx)
}

// VehicleLifecycle é o gancho exposto ao cadastro de veículos
type VehicleLifecycle struct {
	remover VehicleRemover
	logger  *zap.Logger
}

// NewVehicleLifecycle cria uma nova instância de VehicleLifecycle
func NewVehicleLifecycle(remover VehicleRemover, logger *zap.Logger) *VehicleLifecycle {
	return &VehicleLifecycle{remover: remover, logger: logger}
}

// OnPurchaseFinalized remove o veículo cuja compra confirmada ou finalizada foi apagada
func (l *VehicleLifecycle) OnPurchaseFinalized(ctx context.Context, vehicleID string) error {
	return l.remove(ctx, vehicleID, "purchase-finalized")
}

// OnDeactivationExpired remove o veículo desativado há mais do que o período de carência
func (l *VehicleLifecycle) OnDeactivationExpired(ctx context.Context, vehicleID string) error {
	return l.remove(ctx, vehicleID, "deactivation-expired")
}

func (l *VehicleLifecycle) remove(ctx context.Context, vehicleID, reason string) error {
	if err := l.remover.RemoveVehicle(ctx, vehicleID); err != nil {
		l.logger.Error("❌ [REMOVE VEHICLE] failed",
			zap.String("vehicle_id", vehicleID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return fmt.Errorf("failed to remove vehicle %s: %w", vehicleID, err)
	}

	l.logger.Info("✅ [REMOVE VEHICLE] removed",
		zap.String("vehicle_id", vehicleID),
		zap.String("reason", reason),
	)
	return nil
}
