package oracle

import (
	"context"
	"time"

	"github.com/piwheels/master/internal/model"
	"github.com/piwheels/master/internal/store"
)

// The methods below are ORACLE's named-operation catalogue (spec
// §4.2): one method per stored procedure, each submitted to the
// LoadBalancer and type-asserted back to its concrete return type.
// Callers (GAZER, ARCH, DRIVER, CHASE, SECRETARY, BIG_BRO) only ever
// see these signatures; none of them touches internal/store directly.

func (lb *LoadBalancer) AddPackage(ctx context.Context, name string) error {
	_, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return nil, s.AddPackage(ctx, name)
	})
	return err
}

func (lb *LoadBalancer) RecordAlias(ctx context.Context, name, canonical string, seenAt time.Time) error {
	_, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return nil, s.RecordAlias(ctx, name, canonical, seenAt)
	})
	return err
}

func (lb *LoadBalancer) AddVersion(ctx context.Context, pkg, version string, releasedAt time.Time) error {
	_, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return nil, s.AddVersion(ctx, pkg, version, releasedAt)
	})
	return err
}

func (lb *LoadBalancer) SetYanked(ctx context.Context, pkg, version string, yanked bool) error {
	_, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return nil, s.SetYanked(ctx, pkg, version, yanked)
	})
	return err
}

func (lb *LoadBalancer) DeleteVersion(ctx context.Context, pkg, version string) error {
	_, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return nil, s.DeleteVersion(ctx, pkg, version)
	})
	return err
}

func (lb *LoadBalancer) DeletePackage(ctx context.Context, pkg string) error {
	_, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return nil, s.DeletePackage(ctx, pkg)
	})
	return err
}

func (lb *LoadBalancer) SetPackageSkip(ctx context.Context, pkg, reason string) error {
	_, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return nil, s.SetPackageSkip(ctx, pkg, reason)
	})
	return err
}

func (lb *LoadBalancer) SetVersionSkip(ctx context.Context, pkg, version, reason string) error {
	_, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return nil, s.SetVersionSkip(ctx, pkg, version, reason)
	})
	return err
}

func (lb *LoadBalancer) RegisterABI(ctx context.Context, abi, description string) error {
	_, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return nil, s.RegisterABI(ctx, abi, description)
	})
	return err
}

func (lb *LoadBalancer) SetABISkip(ctx context.Context, abi, reason string) error {
	_, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return nil, s.SetABISkip(ctx, abi, reason)
	})
	return err
}

func (lb *LoadBalancer) RegisterPreinstalledDep(ctx context.Context, abi, systemPackage string) error {
	_, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return nil, s.RegisterPreinstalledDep(ctx, abi, systemPackage)
	})
	return err
}

func (lb *LoadBalancer) GetConfiguration(ctx context.Context) (model.Configuration, error) {
	v, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return s.GetConfiguration(ctx)
	})
	if err != nil {
		return model.Configuration{}, err
	}
	return v.(model.Configuration), nil
}

func (lb *LoadBalancer) SetPypiSerial(ctx context.Context, serial int64) error {
	_, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return nil, s.SetPypiSerial(ctx, serial)
	})
	return err
}

func (lb *LoadBalancer) GetPendingQueue(ctx context.Context, topK int) ([]model.PendingEntry, error) {
	v, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return s.GetPendingQueue(ctx, topK)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.PendingEntry), nil
}

func (lb *LoadBalancer) LogBuildSuccess(ctx context.Context, build model.Build, files []model.BuildFile, deps []model.Dependency) (int64, error) {
	v, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return s.LogBuildSuccess(ctx, build, files, deps)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (lb *LoadBalancer) LogBuildFailure(ctx context.Context, build model.Build) (int64, error) {
	v, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return s.LogBuildFailure(ctx, build)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (lb *LoadBalancer) DeleteBuild(ctx context.Context, buildID int64) error {
	_, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return nil, s.DeleteBuild(ctx, buildID)
	})
	return err
}

func (lb *LoadBalancer) GetProjectFiles(ctx context.Context, pkg string) ([]model.ProjectFile, error) {
	v, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return s.GetProjectFiles(ctx, pkg)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.ProjectFile), nil
}

func (lb *LoadBalancer) ListPackages(ctx context.Context) ([]model.Package, error) {
	v, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return s.ListPackages(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Package), nil
}

type projectData struct {
	pkg      model.Package
	versions []model.Version
}

func (lb *LoadBalancer) GetProjectData(ctx context.Context, pkg string) (model.Package, []model.Version, error) {
	v, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		p, versions, err := s.GetProjectData(ctx, pkg)
		if err != nil {
			return nil, err
		}
		return projectData{pkg: p, versions: versions}, nil
	})
	if err != nil {
		return model.Package{}, nil, err
	}
	pd := v.(projectData)
	return pd.pkg, pd.versions, nil
}

func (lb *LoadBalancer) SaveRewritesPending(ctx context.Context, pending []model.RewritePending) error {
	_, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return nil, s.SaveRewritesPending(ctx, pending)
	})
	return err
}

func (lb *LoadBalancer) LoadRewritesPending(ctx context.Context) ([]model.RewritePending, error) {
	v, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return s.LoadRewritesPending(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.RewritePending), nil
}

func (lb *LoadBalancer) RecordAccessEvent(ctx context.Context, event model.AccessEvent) error {
	_, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return nil, s.RecordAccessEvent(ctx, event)
	})
	return err
}

func (lb *LoadBalancer) GetStatistics(ctx context.Context) (model.Statistics, error) {
	v, err := lb.call(ctx, func(ctx context.Context, s store.Store) (any, error) {
		return s.GetStatistics(ctx)
	})
	if err != nil {
		return model.Statistics{}, err
	}
	return v.(model.Statistics), nil
}
