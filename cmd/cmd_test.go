package cmd

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/babelcloud/gbox/packages/teleop/internal/profile"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/protocol"
	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/signaling"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	commands []protocol.Command
	restarts int
}

func (d *fakeDriver) SendCommand(cmd protocol.Command) { d.commands = append(d.commands, cmd) }

func (d *fakeDriver) RestartVideo() error {
	d.restarts++
	return nil
}

func TestApplyKey(t *testing.T) {
	d := &fakeDriver{}

	assert.False(t, applyKey(d, 'w'))
	assert.False(t, applyKey(d, 'a'))
	assert.False(t, applyKey(d, 'x'))
	assert.False(t, applyKey(d, 'r'))
	assert.True(t, applyKey(d, 'q'))

	assert.Equal(t, []protocol.Command{
		protocol.Joystick{LinearVelocity: 0.15},
		protocol.Joystick{Curvature: 0.08},
		protocol.Joystick{},
	}, d.commands, "quitting stops the vehicle")
	assert.Equal(t, 1, d.restarts)
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		key    byte
		action keyAction
		button protocol.Button
	}{
		{'W', keyDrive, protocol.ButtonForward},
		{'s', keyDrive, protocol.ButtonBackward},
		{'d', keyDrive, protocol.ButtonRight},
		{' ', keyDrive, protocol.ButtonStop},
		{3, keyQuit, protocol.ButtonStop},
		{'z', keyNone, protocol.ButtonStop},
	}

	for _, tt := range tests {
		action, button := parseKey(tt.key)
		assert.Equal(t, tt.action, action, "key %q", tt.key)
		assert.Equal(t, tt.button, button, "key %q", tt.key)
	}
}

func TestResolveSettings(t *testing.T) {
	p := &profile.Profile{ServerURL: "ws://lab:8080", Vehicle: "rover-1", Camera: "front"}

	settings, err := resolveSettings(SessionOptions{}, "", nil, p)
	require.NoError(t, err)
	assert.Equal(t, "rover-1", settings.Vehicle)
	assert.Equal(t, "front", settings.Camera)
	assert.Equal(t, "ws://lab:8080", settings.ServerURL)
	assert.Equal(t, "http://localhost:8080", settings.APIURL)
	assert.Equal(t, 150*time.Millisecond, settings.PollInterval)

	settings, err = resolveSettings(SessionOptions{ServerURL: "wss://override", PollInterval: time.Second}, "rear", []string{"rover-9"}, p)
	require.NoError(t, err)
	assert.Equal(t, "rover-9", settings.Vehicle)
	assert.Equal(t, "rear", settings.Camera)
	assert.Equal(t, "wss://override", settings.ServerURL)
	assert.Equal(t, time.Second, settings.PollInterval)

	_, err = resolveSettings(SessionOptions{}, "", nil, nil)
	assert.Error(t, err)
}

func TestParsePoint(t *testing.T) {
	target, err := parsePoint([]string{"rover-1", "130", "100"}, 260, 200)
	require.NoError(t, err)
	assert.Equal(t, protocol.PointAndGo{ImageX: 0.5, ImageY: 0.5}, target)

	_, err = parsePoint([]string{"rover-1", "left", "100"}, 260, 200)
	assert.Error(t, err)

	_, err = parsePoint([]string{"rover-1", "1", "1"}, 0, 0)
	assert.Error(t, err)
}

func TestStatusPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newStatusPrinter(&buf)

	p.OnSignalingState(signaling.Requesting, nil)
	p.setRaw(true)
	p.OnSignalingState(signaling.Failed, errors.New("bad offer"))
	p.OnDisconnected(errors.New("EOF"))
	p.OnDisconnected(errors.New("again"))

	out := buf.String()
	assert.Contains(t, out, "video REQUESTING\n")
	assert.Contains(t, out, "bad offer (press r to retry)\r\n")

	err := <-p.Disconnected()
	assert.EqualError(t, err, "EOF")
}

func TestFrameCounter(t *testing.T) {
	f := &frameCounter{}
	assert.Equal(t, "0 frames rendered (0 bytes, last none)", f.summary())

	f.RenderFrame(&protocol.Frame{Encoding: "image/jpeg", Content: "AAEC"})
	assert.Equal(t, "1 frames rendered (4 bytes, last image/jpeg)", f.summary())
}

func TestProfileCommands(t *testing.T) {
	t.Setenv("TELEOP_PROFILE_PATH", filepath.Join(t.TempDir(), "profiles.toml"))

	run := func(args ...string) string {
		var out bytes.Buffer
		cmd := NewProfileCommand()
		cmd.SetOut(&out)
		cmd.SetArgs(args)
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	assert.Contains(t, run("list"), "No profiles found")
	assert.Contains(t, run("add", "Lab", "--server", "ws://lab:8080", "--vehicle", "rover-1"), "Profile 'lab' added")
	assert.Contains(t, run("add", "field", "--vehicle", "rover-7"), "Profile 'field' added")
	assert.Contains(t, run("use", "lab"), "Switched to profile 'lab'")
	assert.Contains(t, run("rm", "field"), "Profile 'field' removed")

	listed := run("list", "-o", "json")
	assert.Contains(t, listed, `"vehicle": "rover-1"`)
	assert.NotContains(t, listed, "rover-7")

	p, err := selectProfile("")
	require.NoError(t, err)
	assert.Equal(t, "rover-1", p.Vehicle)

	_, err = selectProfile("missing")
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := NewVersionCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Version:    dev")
	assert.Contains(t, out.String(), "Messages:   joystick,pointAndGo,videoRequest,sdpRequest,")
}
