package collector

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dftw-collector/pkg/containers"
	"github.com/dftw-collector/pkg/grr"
	"github.com/dftw-collector/pkg/state"
)

const lowDiskSpace = 1 << 30

// DownloaderOptions hunt 下载器的 SetUp 参数
type DownloaderOptions struct {
	GRROptions `mapstructure:",squash"`
	HuntID     string `mapstructure:"hunt_id" validate:"required"`
	// OutputPath 为空时新建临时目录
	OutputPath string `mapstructure:"output_path"`
}

// HostResult 单台主机的本地输出
type HostResult struct {
	Host string
	Path string
}

type grrHuntDownloaderBase struct {
	grrBase

	HuntID     string
	OutputPath string
}

func (d *grrHuntDownloaderBase) setUpDownloader(o DownloaderOptions) error {
	if err := d.setUpGRR(o.GRROptions); err != nil {
		return err
	}
	d.HuntID = o.HuntID

	d.OutputPath = o.OutputPath
	if d.OutputPath == "" {
		dir, err := os.MkdirTemp("", "dftw-grr-hunt-")
		if err != nil {
			return d.ModuleError(fmt.Sprintf("Unable to create output directory: %v", err), true, err)
		}
		d.OutputPath = dir
	} else if err := os.MkdirAll(d.OutputPath, 0o755); err != nil {
		return d.ModuleError(fmt.Sprintf("Unable to create output directory %s: %v", d.OutputPath, err), true, err)
	}
	return nil
}

func (d *grrHuntDownloaderBase) setUpWithArgs(ctx context.Context, args map[string]any, setUp func(context.Context, DownloaderOptions) error) error {
	opts := DownloaderOptions{GRROptions: d.defaults}
	if err := d.decodeArgs(args, &opts); err != nil {
		return err
	}
	return setUp(ctx, opts)
}

// getHunt 先拉取 hunt，hunt 不存在时在下载前失败
func (d *grrHuntDownloaderBase) getHunt(ctx context.Context) (grr.Hunt, error) {
	hunt, err := d.api.Hunt(d.HuntID).Get(ctx)
	if err != nil {
		return nil, d.fail(fmt.Sprintf("Unable to fetch hunt %s", d.HuntID), err)
	}
	return hunt, nil
}

func (d *grrHuntDownloaderBase) logFreeSpace() {
	usage, err := disk.Usage(d.OutputPath)
	if err != nil {
		d.Logger.Warn("unable to read free disk space", zap.String("path", d.OutputPath), zap.Error(err))
		return
	}
	d.State.Metrics().SetDiskFree(d.Name(), usage.Free)
	fields := []zap.Field{
		zap.String("path", d.OutputPath),
		zap.Uint64("free_bytes", usage.Free),
		zap.Float64("used_percent", usage.UsedPercent),
	}
	if usage.Free < lowDiskSpace {
		d.Logger.Warn("low free disk space for hunt results", fields...)
		return
	}
	d.Logger.Debug("free disk space", fields...)
}

func (d *grrHuntDownloaderBase) storeResults(results []HostResult, description string) {
	for _, r := range results {
		d.State.StoreContainer(&containers.File{
			Name:        r.Host,
			Path:        r.Path,
			Description: description,
		})
	}
}

// GRRHuntDownloader 下载 hunt 的文件归档并按 client 解压到各自目录
type GRRHuntDownloader struct {
	grrHuntDownloaderBase
}

func NewGRRHuntDownloader(st *state.State, opts ...Option) *GRRHuntDownloader {
	return &GRRHuntDownloader{
		grrHuntDownloaderBase: grrHuntDownloaderBase{grrBase: newGRRBase("GRRHuntDownloader", st, opts)},
	}
}

func (d *GRRHuntDownloader) SetUpWithArgs(ctx context.Context, args map[string]any) error {
	return d.setUpWithArgs(ctx, args, d.SetUp)
}

func (d *GRRHuntDownloader) SetUp(_ context.Context, o DownloaderOptions) error {
	return d.setUpDownloader(o)
}

// Process 下载归档，每台主机存入一个 File 容器
func (d *GRRHuntDownloader) Process(ctx context.Context) error {
	hunt, err := d.getHunt(ctx)
	if err != nil {
		return err
	}
	d.logFreeSpace()

	archivePath := filepath.Join(d.OutputPath, hunt.ID()+".zip")
	if err := d.getAndWriteArchive(ctx, hunt, archivePath); err != nil {
		return err
	}
	results, err := d.extractHuntResults(archivePath)
	if err != nil {
		return err
	}
	d.storeResults(results, fmt.Sprintf("GRR hunt %s results", hunt.ID()))
	return nil
}

// getAndWriteArchive 将归档写到 archivePath，文件已存在则跳过
func (d *GRRHuntDownloader) getAndWriteArchive(ctx context.Context, hunt grr.Hunt, archivePath string) error {
	if _, err := os.Stat(archivePath); err == nil {
		d.Logger.Info("archive already exists, skipping download", zap.String("path", archivePath))
		return nil
	}

	partial := archivePath + ".part"
	_, err := withApproval(ctx, &d.grrBase, hunt, func(ctx context.Context) (struct{}, error) {
		f, err := os.Create(partial)
		if err != nil {
			return struct{}{}, err
		}
		//nolint:errcheck
		defer f.Close()
		return struct{}{}, hunt.GetFilesArchive(ctx, f)
	})
	if err != nil {
		_ = os.Remove(partial)
		return d.fail(fmt.Sprintf("Unable to download archive of hunt %s", hunt.ID()), err)
	}
	if err := os.Rename(partial, archivePath); err != nil {
		return d.ModuleError(fmt.Sprintf("Error manipulating file %s: %v", archivePath, err), true, err)
	}
	d.Logger.Info("hunt archive downloaded", zap.String("hunt_id", hunt.ID()), zap.String("path", archivePath))
	return nil
}

// extractHuntResults 解压归档中的 client 目录，每个 client 一条结果；
// 归档带有 client 信息时以 FQDN 命名
func (d *GRRHuntDownloader) extractHuntResults(archivePath string) ([]HostResult, error) {
	collected, fqdns, err := d.extractArchive(archivePath)
	if err != nil {
		if isBadZip(err) {
			return nil, d.ModuleError(fmt.Sprintf("Bad zipfile %s: %v", archivePath, err), true, err)
		}
		return nil, d.ModuleError(fmt.Sprintf("Error manipulating file %s: %v", archivePath, err), true, err)
	}

	if err := os.Remove(archivePath); err != nil {
		d.Logger.Error("archive could not be removed", zap.String("path", archivePath), zap.Error(err))
	}

	results := make([]HostResult, 0, len(collected))
	for _, r := range collected {
		if fqdn, ok := fqdns[r.Host]; ok {
			r.Host = fqdn
		}
		results = append(results, r)
	}
	if len(results) == 0 {
		return nil, d.ModuleError("Nothing was extracted from the hunt archive", true, nil)
	}
	return results, nil
}

// extractArchive 按归档顺序返回 client 目录，以及从 client_info.yaml 读出的 client ID → FQDN 映射
func (d *GRRHuntDownloader) extractArchive(archivePath string) ([]HostResult, map[string]string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && r != nil) {
		return nil, nil, err
	}
	//nolint:errcheck
	defer r.Close()

	var (
		collected []HostResult
		seen      = map[string]bool{}
		fqdns     = map[string]string{}
		huntDir   string
	)
	for i, f := range r.File {
		parts := strings.Split(f.Name, "/")
		if i == 0 {
			huntDir = parts[0]
		}

		if parts[len(parts)-1] == "client_info.yaml" {
			clientID, fqdn, err := readClientInfo(f)
			if err != nil {
				d.Logger.Warn("unreadable client information", zap.String("entry", f.Name), zap.Error(err))
				continue
			}
			fqdns[clientID] = fqdn
			continue
		}

		if len(parts) < 2 || !strings.HasPrefix(parts[1], "C.") {
			continue
		}
		if !safeEntryName(f.Name) {
			d.Logger.Warn("skipping archive entry outside of the output path", zap.String("entry", f.Name))
			continue
		}

		clientID := parts[1]
		if !seen[clientID] {
			seen[clientID] = true
			collected = append(collected, HostResult{
				Host: clientID,
				Path: filepath.Join(d.OutputPath, huntDir, clientID),
			})
		}
		if err := extractFile(f, filepath.Join(d.OutputPath, filepath.FromSlash(f.Name))); err != nil {
			return nil, nil, err
		}
	}
	return collected, fqdns, nil
}

type clientInfo struct {
	ClientID   string `yaml:"client_id"`
	SystemInfo struct {
		FQDN string `yaml:"fqdn"`
	} `yaml:"system_info"`
}

// readClientInfo 读取 client_info.yaml 中的 client ID 与 FQDN
// client ID 存储格式为 "aff4:/C.xxxxxxxx"
func readClientInfo(f *zip.File) (string, string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", "", err
	}
	//nolint:errcheck
	defer rc.Close()

	var info clientInfo
	if err := yaml.NewDecoder(rc).Decode(&info); err != nil {
		return "", "", fmt.Errorf("parse %s: %w", f.Name, err)
	}
	clientID := info.ClientID
	if parts := strings.Split(clientID, "/"); len(parts) > 1 {
		clientID = parts[1]
	}
	if clientID == "" || info.SystemInfo.FQDN == "" {
		return "", "", fmt.Errorf("%s: missing client_id or fqdn", f.Name)
	}
	return clientID, info.SystemInfo.FQDN, nil
}

func extractFile(f *zip.File, dest string) error {
	if f.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	//nolint:errcheck
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func safeEntryName(name string) bool {
	if path.IsAbs(name) {
		return false
	}
	for _, part := range strings.Split(path.Clean(name), "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

func isBadZip(err error) bool {
	return errors.Is(err, zip.ErrFormat) || errors.Is(err, zip.ErrAlgorithm) || errors.Is(err, zip.ErrChecksum)
}
