package remote

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediasweep/internal/common"
	"mediasweep/internal/util"
)

type call struct {
	name  string
	args  []string
	stdin string
}

type fakeRunner struct {
	calls []call
	out   string
	err   error
}

func (f *fakeRunner) run(_ context.Context, cfg util.CommandConfig, name string, args ...string) ([]byte, error) {
	c := call{name: name, args: args}
	if cfg.Stdin != nil {
		data, _ := io.ReadAll(cfg.Stdin)
		c.stdin = string(data)
	}
	f.calls = append(f.calls, c)
	return []byte(f.out), f.err
}

var testConfig = Config{Host: "phone.lan", Port: 2222, User: "u0", Root: "/sdcard/DCIM", ConnectTimeout: time.Second}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "/sdcard/DCIM", shellQuote("/sdcard/DCIM"))
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, "'a b'", shellQuote("a b"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, `'%T@|%s|%p\n'`, shellQuote(listFormat))
}

func TestProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)

	p := NewProber(Config{Host: "127.0.0.1", Port: addr.Port, ConnectTimeout: time.Second}, 1)
	assert.NoError(t, p.Probe(context.Background()))
}

func TestProbe_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	p := NewProber(Config{Host: "127.0.0.1", Port: port, ConnectTimeout: 200 * time.Millisecond}, 1)
	err = p.Probe(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrTransportUnavailable))
}

func TestProbe_RetriesThenSucceeds(t *testing.T) {
	attempts := 0
	p := NewProber(testConfig, 3)
	p.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		attempts++
		assert.Equal(t, "phone.lan:2222", address)
		if attempts < 2 {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}
	require.NoError(t, p.Probe(context.Background()))
	assert.Equal(t, 2, attempts)
}

func TestList(t *testing.T) {
	f := &fakeRunner{out: strings.Join([]string{
		"1714557600.1234567890|2048|/sdcard/DCIM/Camera/b.jpg",
		"1714557601|10|/sdcard/DCIM/a|pipe.jpg",
		"garbage",
		"1714557602.5|x|/sdcard/DCIM/c.jpg",
		"1714557603.0|1|/elsewhere/d.jpg",
	}, "\n") + "\n"}
	l := NewLister(testConfig, f.run)

	since := time.Unix(1714000000, 0)
	files, err := l.List(context.Background(), "/sdcard/DCIM", since)
	require.NoError(t, err)

	require.Len(t, files, 2)
	assert.Equal(t, RemoteFile{
		Path:    "/sdcard/DCIM/Camera/b.jpg",
		Rel:     "Camera/b.jpg",
		ModTime: time.Unix(1714557600, 123456789).UTC(),
		Size:    2048,
	}, files[0])
	assert.Equal(t, "a|pipe.jpg", files[1].Rel)

	require.Len(t, f.calls, 1)
	c := f.calls[0]
	assert.Equal(t, "ssh", c.name)
	assert.Equal(t, []string{"-p", "2222", "-o", "BatchMode=yes", "-o", "ConnectTimeout=1", "u0@phone.lan"}, c.args[:7])
	assert.Equal(t, `find /sdcard/DCIM -type f -newermt @1714000000 -printf '%T@|%s|%p\n'`, c.args[7])
}

func TestList_ConnectionFailure(t *testing.T) {
	f := &fakeRunner{err: &util.CommandError{Name: "ssh", ExitCode: 255, Err: errors.New("exit status 255")}}
	_, err := NewLister(testConfig, f.run).List(context.Background(), "/sdcard/DCIM", time.Time{})
	assert.True(t, errors.Is(err, common.ErrTransportUnavailable))
	assert.NotContains(t, f.calls[0].args[7], "-newermt")
}

func TestFolders(t *testing.T) {
	f := &fakeRunner{out: "Screenshots\nCamera\n.thumbnails\n\n"}
	folders, err := NewLister(testConfig, f.run).Folders(context.Background(), "/sdcard/DCIM")
	require.NoError(t, err)
	assert.Equal(t, []string{"Camera", "Screenshots"}, folders)
}

func TestTransfer(t *testing.T) {
	files := []RemoteFile{
		{Path: "/sdcard/DCIM/Camera/a.jpg", Rel: "Camera/a.jpg", Size: 1},
		{Path: "/sdcard/DCIM/Camera/b.jpg", Rel: "Camera/b.jpg", Size: 2},
	}
	f := &fakeRunner{out: "Camera/\nCamera/a.jpg\n"}
	tr := NewTransferrer(testConfig, f.run)

	done, err := tr.Transfer(context.Background(), "/sdcard/DCIM", "/staging", ModeMove, files)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "/staging/Camera/a.jpg", done[0].Local)
	assert.Equal(t, "Camera/a.jpg", done[0].Rel)

	c := f.calls[0]
	assert.Equal(t, "rsync", c.name)
	assert.Equal(t, "Camera/a.jpg\nCamera/b.jpg\n", c.stdin)
	assert.Contains(t, c.args, "--remove-source-files")
	assert.Contains(t, c.args, "ssh -p 2222 -o BatchMode=yes -o ConnectTimeout=1")
	assert.Equal(t, []string{"u0@phone.lan:/sdcard/DCIM/", "/staging/"}, c.args[len(c.args)-2:])
}

func TestTransfer_CopyModeKeepsSource(t *testing.T) {
	f := &fakeRunner{}
	_, err := NewTransferrer(testConfig, f.run).Transfer(context.Background(), "/sdcard/DCIM", "/staging", ModeCopy,
		[]RemoteFile{{Rel: "a.jpg"}})
	require.NoError(t, err)
	assert.NotContains(t, f.calls[0].args, "--remove-source-files")

	f.calls = nil
	done, err := NewTransferrer(testConfig, f.run).Transfer(context.Background(), "/sdcard/DCIM", "/staging", ModeCopy, nil)
	require.NoError(t, err)
	assert.Empty(t, done)
	assert.Empty(t, f.calls, "nothing to transfer runs nothing")
}

func TestTransfer_PartialFailure(t *testing.T) {
	f := &fakeRunner{
		out: "a.jpg\n",
		err: &util.CommandError{Name: "rsync", ExitCode: 12, Err: errors.New("exit status 12")},
	}
	done, err := NewTransferrer(testConfig, f.run).Transfer(context.Background(), "/sdcard/DCIM", "/staging", ModeCopy,
		[]RemoteFile{{Rel: "a.jpg"}, {Rel: "b.jpg"}})
	assert.True(t, errors.Is(err, common.ErrTransportUnavailable))
	assert.Len(t, done, 1)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeCopy, m)
	m, err = ParseMode("MOVE")
	require.NoError(t, err)
	assert.Equal(t, ModeMove, m)
	_, err = ParseMode("sync")
	assert.Error(t, err)
}

func TestDeleter(t *testing.T) {
	f := &fakeRunner{}
	d := NewDeleter(testConfig, f.run)
	assert.Equal(t, "remote", d.Location())

	require.NoError(t, d.Delete(context.Background(), "/sdcard/DCIM/Camera/it's.jpg"))
	assert.Equal(t, `rm -- '/sdcard/DCIM/Camera/it'\''s.jpg'`, f.calls[0].args[len(f.calls[0].args)-1])

	err := d.Delete(context.Background(), "/sdcard/DCIM/../Download/x.jpg")
	assert.True(t, errors.Is(err, common.ErrInvalidPath))
	assert.Len(t, f.calls, 1)
}

func TestPrompter(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		terminal  bool
		assumeYes bool
		want      bool
		wantErr   error
	}{
		{name: "yes", input: "y\n", terminal: true, want: true},
		{name: "full yes", input: " YES \n", terminal: true, want: true},
		{name: "default no", input: "\n", terminal: true},
		{name: "eof", input: "", terminal: true},
		{name: "no terminal", input: "y\n", wantErr: common.ErrUserDeclined},
		{name: "assume yes", assumeYes: true, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			p := &Prompter{
				in:         bufio.NewReader(strings.NewReader(tt.input)),
				out:        &out,
				assumeYes:  tt.assumeYes,
				isTerminal: func() bool { return tt.terminal },
			}
			got, err := p.Confirm("Delete 3 files?")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "Delete 3 files? [y/N]")
		})
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, testConfig.Validate())
	assert.ErrorIs(t, Config{Root: "/x"}.Validate(), common.ErrPreconditionMissing)
	assert.ErrorIs(t, Config{Host: "h", Root: "rel"}.Validate(), common.ErrInvalidPath)
}
