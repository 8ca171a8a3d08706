package orchestrator

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/httpstream"
	"k8s.io/client-go/kubernetes/scheme"
	corev1client "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/siteforge/steward/pkg/types"
)

var credentialFlag = regexp.MustCompile(`(^|\s)(-p|--password=|MYSQL_PWD=|REDIS_PASSWORD=)\S+`)

// redactCommand renders a command line for logs and errors with
// credential-bearing arguments masked.
func redactCommand(command []string) string {
	joined := strings.Join(command, " ")
	return credentialFlag.ReplaceAllString(joined, "${1}${2}***")
}

// ExecInPod runs a command inside a ready pod of the component and
// returns captured stdout and stderr. A non-zero exit surfaces as a
// types.ExecError with the command pre-redacted.
func (d *KubeDriver) ExecInPod(ctx context.Context, site Site, component string, command []string, stdin io.Reader) (*ExecResult, error) {
	var stdout, stderr bytes.Buffer
	if err := d.stream(ctx, site, component, command, stdin, &stdout, &stderr); err != nil {
		return nil, err
	}
	return &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// ExecStream runs a command with stdout wired straight to the writer,
// so dump-sized output never accumulates in memory. Stderr stays
// buffered for error reporting.
func (d *KubeDriver) ExecStream(ctx context.Context, site Site, component string, command []string, stdin io.Reader, stdout io.Writer) error {
	var stderr bytes.Buffer
	return d.stream(ctx, site, component, command, stdin, stdout, &stderr)
}

func (d *KubeDriver) stream(ctx context.Context, site Site, component string, command []string, stdin io.Reader, stdout io.Writer, stderr *bytes.Buffer) error {
	podName, err := d.readyPod(ctx, site, component)
	if err != nil {
		return d.observe("exec", err)
	}

	client, err := corev1client.NewForConfig(d.rest)
	if err != nil {
		return d.observe("exec", types.Transient("exec client", err))
	}

	request := client.RESTClient().
		Post().
		Resource("pods").
		Name(podName).
		Namespace(site.Refs.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Stdin:     stdin != nil,
			Stdout:    true,
			Stderr:    true,
			TTY:       false,
			Container: component,
			Command:   command,
		}, scheme.ParameterCodec)

	spdyExecutor, err := remotecommand.NewSPDYExecutor(d.rest, http.MethodPost, request.URL())
	if err != nil {
		return d.observe("exec", types.Transient("spdy executor", err))
	}
	websocketExecutor, err := remotecommand.NewWebSocketExecutor(d.rest, http.MethodGet, request.URL().String())
	if err != nil {
		return d.observe("exec", types.Transient("websocket executor", err))
	}
	executor, err := remotecommand.NewFallbackExecutor(websocketExecutor, spdyExecutor, func(err error) bool {
		return httpstream.IsUpgradeFailure(err) || httpstream.IsHTTPSProxyError(err)
	})
	if err != nil {
		return d.observe("exec", types.Transient("fallback executor", err))
	}

	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		if exitErr, ok := err.(utilexec.ExitError); ok && exitErr.Exited() {
			return d.observe("exec", &types.ExecError{
				Command:  redactCommand(command),
				ExitCode: exitErr.ExitStatus(),
				Stderr:   strings.TrimSpace(stderr.String()),
			})
		}
		return d.observe("exec", types.Transient("exec stream", err))
	}
	return d.observe("exec", nil)
}
