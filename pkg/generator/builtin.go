package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// NoiseRef is the reference used for background noise events.
const NoiseRef = "noise"

var (
	users    = []string{"jdoe", "asmith", "mchen", "rpatel", "svc_backup", "admin"}
	hosts    = []string{"WS-0142", "WS-0217", "SRV-DC01", "SRV-FS02", "LAPTOP-88"}
	srcIPs   = []string{"10.0.4.17", "10.0.4.23", "10.0.9.200", "192.168.1.55"}
	extIPs   = []string{"185.220.101.4", "45.133.1.71", "91.219.236.18", "203.0.113.9"}
	awsCalls = []string{"GetObject", "ListBuckets", "AssumeRole", "CreateAccessKey", "PutBucketPolicy"}
)

// Builtins returns a registry preloaded with the bundled generators.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register("fortinet_fortigate", Func{Type: "fortigate_traffic", Fn: fortigate})
	r.Register("crowdstrike_falcon", Func{Type: "crowdstrike:events:sensor", Fn: jsonGen(falcon)})
	r.Register("okta_authentication", Func{Type: "OktaIM2:log", Fn: jsonGen(okta)})
	r.Register("aws_cloudtrail", Func{Type: "aws:cloudtrail", Fn: jsonGen(cloudtrail)})
	r.Register("windows_security", Func{Type: "XmlWinEventLog:Security", Fn: jsonGen(windows)})
	r.Register(NoiseRef, Func{Type: "pulse:noise", Fn: jsonGen(noise)})
	return r
}

func rng(spec Spec) *rand.Rand {
	return rand.New(rand.NewSource(spec.Seed ^ int64(spec.Sequence)*7919 ^ int64(spec.PhaseIndex+1)<<32))
}

func pick(r *rand.Rand, xs []string) string {
	return xs[r.Intn(len(xs))]
}

func stamp(spec Spec) string {
	return spec.ScheduledAt.UTC().Format(time.RFC3339)
}

func jsonGen(build func(r *rand.Rand, spec Spec) map[string]interface{}) func(context.Context, Spec) ([]byte, error) {
	return func(ctx context.Context, spec Spec) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return json.Marshal(build(rng(spec), spec))
	}
}

func fortigate(ctx context.Context, spec Spec) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := rng(spec)
	action := "accept"
	if r.Intn(4) == 0 {
		action = "deny"
	}
	line := fmt.Sprintf(`date=%s time=%s devname="FGT-EDGE-01" type="traffic" subtype="forward" srcip=%s dstip=%s dstport=%d action="%s" sentbyte=%d`,
		spec.ScheduledAt.UTC().Format("2006-01-02"), spec.ScheduledAt.UTC().Format("15:04:05"),
		pick(r, srcIPs), pick(r, extIPs), []int{443, 80, 22, 3389, 445}[r.Intn(5)], action, r.Intn(90000)+100)
	return []byte(line), nil
}

func falcon(r *rand.Rand, spec Spec) map[string]interface{} {
	return map[string]interface{}{
		"event_simpleName": []string{"ProcessRollup2", "NetworkConnectIP4", "DnsRequest", "FileWritten"}[r.Intn(4)],
		"ComputerName":     pick(r, hosts),
		"UserName":         pick(r, users),
		"Severity":         r.Intn(5) + 1,
		"timestamp":        spec.ScheduledAt.UnixMilli(),
	}
}

func okta(r *rand.Rand, spec Spec) map[string]interface{} {
	outcome := "SUCCESS"
	if r.Intn(3) == 0 {
		outcome = "FAILURE"
	}
	return map[string]interface{}{
		"eventType": "user.session.start",
		"published": stamp(spec),
		"actor":     map[string]string{"alternateId": pick(r, users) + "@example.com"},
		"client":    map[string]string{"ipAddress": pick(r, extIPs)},
		"outcome":   map[string]string{"result": outcome},
	}
}

func cloudtrail(r *rand.Rand, spec Spec) map[string]interface{} {
	return map[string]interface{}{
		"eventTime":       stamp(spec),
		"eventSource":     "s3.amazonaws.com",
		"eventName":       pick(r, awsCalls),
		"awsRegion":       "us-east-1",
		"sourceIPAddress": pick(r, extIPs),
		"userIdentity":    map[string]string{"type": "IAMUser", "userName": pick(r, users)},
	}
}

func windows(r *rand.Rand, spec Spec) map[string]interface{} {
	return map[string]interface{}{
		"EventID":     []int{4624, 4625, 4672, 4688, 4769}[r.Intn(5)],
		"Computer":    pick(r, hosts),
		"TargetUser":  pick(r, users),
		"IpAddress":   pick(r, srcIPs),
		"TimeCreated": stamp(spec),
		"LogonType":   []int{2, 3, 10}[r.Intn(3)],
		"Channel":     "Security",
	}
}

func noise(r *rand.Rand, spec Spec) map[string]interface{} {
	return map[string]interface{}{
		"kind":   []string{"dns", "http", "ntp", "dhcp"}[r.Intn(4)],
		"host":   pick(r, hosts),
		"src":    pick(r, srcIPs),
		"time":   stamp(spec),
		"benign": true,
	}
}
