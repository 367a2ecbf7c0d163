package collector

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/dftw-collector/pkg/grr"
	"github.com/dftw-collector/pkg/state"
)

const fqdnCacheSize = 4096

// GRRHuntOsqueryDownloader 将 osquery hunt 结果按主机写成 CSV
type GRRHuntOsqueryDownloader struct {
	grrHuntDownloaderBase

	fqdns *lru.Cache[string, string]
}

func NewGRRHuntOsqueryDownloader(st *state.State, opts ...Option) *GRRHuntOsqueryDownloader {
	fqdns, _ := lru.New[string, string](fqdnCacheSize)
	return &GRRHuntOsqueryDownloader{
		grrHuntDownloaderBase: grrHuntDownloaderBase{grrBase: newGRRBase("GRRHuntOsqueryDownloader", st, opts)},
		fqdns:                 fqdns,
	}
}

func (d *GRRHuntOsqueryDownloader) SetUpWithArgs(ctx context.Context, args map[string]any) error {
	return d.setUpWithArgs(ctx, args, d.SetUp)
}

func (d *GRRHuntOsqueryDownloader) SetUp(_ context.Context, o DownloaderOptions) error {
	return d.setUpDownloader(o)
}

// Process 写出结果，每台主机存入一个 File 容器
func (d *GRRHuntOsqueryDownloader) Process(ctx context.Context) error {
	hunt, err := d.getHunt(ctx)
	if err != nil {
		return err
	}
	d.logFreeSpace()

	results, err := d.getAndWriteResults(ctx, hunt, d.OutputPath)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		_ = d.ModuleError(fmt.Sprintf("No results found for hunt %s", hunt.ID()), false, nil)
		return nil
	}
	d.storeResults(results, fmt.Sprintf("osquery results of GRR hunt %s", hunt.ID()))
	return nil
}

// getAndWriteResults 把每张 osquery 结果表写到 <outputPath>/<fqdn>.csv，
// 同一主机的结果追加到同一文件
func (d *GRRHuntOsqueryDownloader) getAndWriteResults(ctx context.Context, hunt grr.Hunt, outputPath string) ([]HostResult, error) {
	results, err := withApproval(ctx, &d.grrBase, hunt, hunt.ListResults)
	if err != nil {
		return nil, d.fail(fmt.Sprintf("Unable to list results of hunt %s", hunt.ID()), err)
	}

	var (
		written []HostResult
		headers = map[string]bool{}
	)
	for _, result := range results {
		payload, ok := result.Payload.(*grr.OsqueryResult)
		if !ok {
			kind := result.PayloadType
			if kind == "" {
				kind = fmt.Sprintf("%T", result.Payload)
			}
			return nil, d.ModuleError(fmt.Sprintf(
				"Incorrect results format from %s (%s).  Possibly not an osquery hunt.", result.ClientID, kind), true, nil)
		}

		fqdn, err := d.clientFQDN(ctx, result.ClientID)
		if err != nil {
			return nil, d.fail(fmt.Sprintf("Unable to look up client %s", result.ClientID), err)
		}

		outPath := filepath.Join(outputPath, fqdn+".csv")
		if err := writeOsqueryTable(outPath, payload.Table, !headers[outPath]); err != nil {
			return nil, d.ModuleError(fmt.Sprintf("Error manipulating file %s: %v", outPath, err), true, err)
		}
		if !headers[outPath] {
			headers[outPath] = true
			written = append(written, HostResult{Host: fqdn, Path: outPath})
		}
		d.Logger.Debug("osquery results written",
			zap.String("client_id", result.ClientID), zap.String("path", outPath), zap.Int("rows", len(payload.Table.Rows)))
	}
	return written, nil
}

// clientFQDN 返回 client 的小写 FQDN；服务端未知或不能用作文件名时返回 client ID
func (d *GRRHuntOsqueryDownloader) clientFQDN(ctx context.Context, clientID string) (string, error) {
	if fqdn, ok := d.fqdns.Get(clientID); ok {
		return fqdn, nil
	}
	clients, err := d.api.SearchClients(ctx, clientID)
	if err != nil {
		return "", err
	}
	fqdn := clientID
	if len(clients) > 0 && clients[0].Data.OSInfo.FQDN != "" {
		fqdn = strings.ToLower(clients[0].Data.OSInfo.FQDN)
	}
	if !localFileName(fqdn) {
		d.Logger.Warn("unusable client FQDN, using the client ID",
			zap.String("client_id", clientID), zap.String("fqdn", fqdn))
		fqdn = clientID
	}
	if !localFileName(fqdn) {
		return "", fmt.Errorf("client ID %q is not a valid file name", clientID)
	}
	d.fqdns.Add(clientID, fqdn)
	return fqdn, nil
}

// localFileName name+".csv" 是否为输出目录下的单个文件
func localFileName(name string) bool {
	file := name + ".csv"
	return filepath.IsLocal(file) && filepath.Base(file) == file
}

// writeOsqueryTable 以 CSV 写出表；create 为 true 时截断并写表头，否则追加
func writeOsqueryTable(path string, table grr.OsqueryTable, create bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if create {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if create {
		header := make([]string, 0, len(table.Header.Columns))
		for _, c := range table.Header.Columns {
			header = append(header, c.Name)
		}
		if err := w.Write(header); err != nil {
			_ = f.Close()
			return err
		}
	}
	for _, row := range table.Rows {
		if err := w.Write(row.Values); err != nil {
			_ = f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
