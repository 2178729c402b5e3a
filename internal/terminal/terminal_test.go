package terminal

import "testing"

func TestParseIdentity(t *testing.T) {
	p, ok := Parse("identity")
	if !ok || p.Kind != KindIdentity {
		t.Fatalf("expected KindIdentity, got %+v ok=%v", p, ok)
	}
}

func TestParseClientIdentify(t *testing.T) {
	p, ok := Parse(`client "My Client"`)
	if !ok || p.Kind != KindClientIdentify {
		t.Fatalf("expected KindClientIdentify, got %+v ok=%v", p, ok)
	}
	if p.ClientName != "My Client" {
		t.Fatalf("expected quoted name preserved, got %q", p.ClientName)
	}
}

func TestParseClientIdentifyBare(t *testing.T) {
	p, ok := Parse("client")
	if !ok || p.ClientName != "Client" {
		t.Fatalf("expected default name Client, got %+v ok=%v", p, ok)
	}
}

func TestParseDisconnectAliases(t *testing.T) {
	for _, in := range []string{"disconnect", "exit", "__disconnect__"} {
		p, ok := Parse(in)
		if !ok || p.Kind != KindDisconnect {
			t.Fatalf("%q: expected KindDisconnect, got %+v ok=%v", in, p, ok)
		}
	}
}

func TestParseLink(t *testing.T) {
	p, ok := Parse("link BasicMath")
	if !ok || p.Kind != KindLink || p.Service != "BasicMath" {
		t.Fatalf("expected link to BasicMath, got %+v ok=%v", p, ok)
	}
}

func TestParseServiceCallWithParameters(t *testing.T) {
	p, ok := Parse(`BasicMath add x=1 y=2.5`)
	if !ok || p.Kind != KindServiceCall {
		t.Fatalf("expected KindServiceCall, got %+v ok=%v", p, ok)
	}
	if p.Service != "BasicMath" || p.Attribute != "add" {
		t.Fatalf("unexpected service/attribute: %+v", p)
	}
	if p.Parameters["x"] != int64(1) {
		t.Fatalf("expected x=1 as int64, got %#v", p.Parameters["x"])
	}
	if p.Parameters["y"] != 2.5 {
		t.Fatalf("expected y=2.5 as float64, got %#v", p.Parameters["y"])
	}
}

func TestParseServiceCallBoolAndNullParameters(t *testing.T) {
	p, ok := Parse(`Echo ping flag=true note=null`)
	if !ok {
		t.Fatalf("expected ok")
	}
	if p.Parameters["flag"] != true {
		t.Fatalf("expected flag=true, got %#v", p.Parameters["flag"])
	}
	if p.Parameters["note"] != nil {
		t.Fatalf("expected note=nil, got %#v", p.Parameters["note"])
	}
}

func TestParseServiceCallListParameter(t *testing.T) {
	p, ok := Parse(`BasicMath sum values=[1,2,3]`)
	if !ok {
		t.Fatalf("expected ok")
	}
	list, isList := p.Parameters["values"].([]any)
	if !isList || len(list) != 3 {
		t.Fatalf("expected 3-element list, got %#v", p.Parameters["values"])
	}
}

func TestParseServiceCallQuotedParameter(t *testing.T) {
	p, ok := Parse(`Echo say message="hello world"`)
	if !ok {
		t.Fatalf("expected ok")
	}
	if p.Parameters["message"] != "hello world" {
		t.Fatalf("expected quoted value with space preserved, got %#v", p.Parameters["message"])
	}
}

func TestParseEmptyLine(t *testing.T) {
	p, ok := Parse("   ")
	if !ok || p.Kind != KindEmpty {
		t.Fatalf("expected KindEmpty, got %+v ok=%v", p, ok)
	}
}

func TestParseServiceCallWithoutParameters(t *testing.T) {
	p, ok := Parse("Heartbeat reset")
	if !ok || p.Service != "Heartbeat" || p.Attribute != "reset" {
		t.Fatalf("unexpected parse: %+v ok=%v", p, ok)
	}
	if len(p.Parameters) != 0 {
		t.Fatalf("expected no parameters, got %+v", p.Parameters)
	}
}

func TestParseSingleWordIsNotAServiceCall(t *testing.T) {
	_, ok := Parse("Echo")
	if ok {
		t.Fatalf("a lone token should not parse as a service call")
	}
}
